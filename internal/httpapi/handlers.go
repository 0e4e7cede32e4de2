// Package httpapi exposes the WHEP/WHIP HTTP surface: it translates
// requests into registry and pipeline-controller operations and owns
// the server shell around them.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/srt-whep/bridge/internal/apierr"
	"github.com/srt-whep/bridge/internal/pipeline"
	"github.com/srt-whep/bridge/internal/registry"
	"github.com/srt-whep/bridge/internal/sdp"
)

// Handlers binds the route set to its two collaborators.
type Handlers struct {
	reg  *registry.Registry
	ctrl pipeline.Controller
}

// NewHandlers builds the handler set.
func NewHandlers(reg *registry.Registry, ctrl pipeline.Controller) *Handlers {
	return &Handlers{reg: reg, ctrl: ctrl}
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Location, Accept, Allow, Accept-POST")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PATCH, PUT")
	h.Set("Accept-Post", "application/sdp")
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, err, apierr.StatusCode(err))
}

func writeErrorStatus(w http.ResponseWriter, err error, status int) {
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

// handleWHEPPost serves POST /channel: the viewer's entry point. The
// body must be empty; the handler mints an id, attaches a viewer branch
// and waits for the WHIP sink's offer to arrive at the rendezvous.
func (h *Handlers) handleWHEPPost(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindUnexpected, "read body", err))
		return
	}
	if strings.TrimSpace(string(body)) != "" {
		writeError(w, apierr.New(apierr.KindInvalidSDP, "client initialization not supported"))
		return
	}
	if !h.ctrl.Ready() {
		writeError(w, apierr.ErrPipelineNotReady)
		return
	}

	id := uuid.New().String()
	log.Printf("creating connection %s", id)

	if err := h.ctrl.AddConnection(id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Add(id); err != nil {
		h.ctrl.RemoveConnection(id)
		writeError(w, err)
		return
	}

	offer, err := h.reg.WaitWhipOffer(r.Context(), id)
	if err != nil {
		// Half-built connection: detach the branch and drop the entry
		// before surfacing the failure.
		if rerr := h.ctrl.RemoveConnection(id); rerr != nil {
			log.Printf("remove connection %s: %v", id, rerr)
		}
		if rerr := h.reg.Remove(id); rerr != nil {
			log.Printf("remove registry entry %s: %v", id, rerr)
		}
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/channel/"+id)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, offer.SetActive().String())
}

// handleWHEPPatch serves PATCH /channel/{id}: stores the viewer's SDP
// answer, which unblocks the WHIP sink's pending POST.
func (h *Handlers) handleWHEPPatch(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	id := r.PathValue("id")
	if id == "" {
		writeError(w, apierr.ErrEmptyConnection)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindUnexpected, "read body", err))
		return
	}
	answer, err := sdp.Parse(string(body))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInvalidSDP, "invalid sdp answer", err))
		return
	}
	if answer.IsSendOnly() {
		writeError(w, apierr.New(apierr.KindInvalidSDP, "expected a recv-only answer"))
		return
	}

	if err := h.reg.SaveWhepAnswer(id, answer); err != nil {
		if errors.Is(err, apierr.ErrConnectionNotFound) {
			// Client-facing lookup on a path id: a 400, not a 500.
			writeErrorStatus(w, err, http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWHEPDelete serves DELETE /channel/{id}: tears the viewer branch
// down in the controller first, then the registry.
func (h *Handlers) handleWHEPDelete(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	id := r.PathValue("id")
	if id == "" {
		writeError(w, apierr.ErrEmptyConnection)
		return
	}
	if err := h.ctrl.RemoveConnection(id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("removed connection %s", id)
	w.WriteHeader(http.StatusOK)
}

// handleWHIPPost serves POST /whip_sink/{id}: the media pipeline's own
// WHIP sink offering the stream to this connection. The offer is parked
// at the rendezvous and the handler waits for the viewer's answer; a
// timeout here means the viewer never completed, which resets the whole
// pipeline.
func (h *Handlers) handleWHIPPost(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	id := r.PathValue("id")
	if id == "" {
		writeError(w, apierr.ErrEmptyConnection)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindUnexpected, "read body", err))
		return
	}
	offer, err := sdp.Parse(string(body))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInvalidSDP, "invalid sdp offer", err))
		return
	}
	if !offer.IsSendOnly() {
		writeError(w, apierr.New(apierr.KindInvalidSDP, "received a recv-only offer from whip sink"))
		return
	}

	if err := h.reg.SaveWhipOffer(id, offer); err != nil {
		if errors.Is(err, apierr.ErrConnectionNotFound) {
			writeErrorStatus(w, err, http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}

	answer, err := h.reg.WaitWhepAnswer(r.Context(), id)
	if err != nil {
		// No answer means the viewer is gone for good; quit the run and
		// reset the rendezvous so the supervisor rebuilds from scratch.
		log.Printf("no whep answer for %s: %v", id, err)
		h.ctrl.Quit()
		if rerr := h.reg.Reset(); rerr != nil {
			log.Printf("registry reset: %v", rerr)
		}
		writeError(w, err)
		return
	}

	// The trailing resource fragment is opaque and unused downstream.
	resource := uuid.New().String()
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whip_sink/"+id+"/"+resource)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, answer.SetPassive().String())
}

// handleList serves GET /list: a JSON snapshot of connection ids. The
// graph is printed first as a debug aid.
func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	h.ctrl.Print()
	ids, err := h.reg.List()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ids); err != nil {
		log.Printf("encode list: %v", err)
	}
}

// handleOptions serves the CORS preflight.
func (h *Handlers) handleOptions(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}
