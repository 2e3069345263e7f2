package test

import (
	"sync"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
)

// Handler is a mac.Handler recording all events.
type Handler struct {
	mu sync.Mutex

	McpsConfirms    []mac.McpsConfirm
	McpsIndications []mac.McpsIndication
	MlmeConfirms    []mac.MlmeConfirm
	MlmeIndications []mac.MlmeIndication

	// Events receives the event kind for each recorded event.
	Events chan string
}

// NewHandler returns a new Handler.
func NewHandler() *Handler {
	return &Handler{
		Events: make(chan string, 100),
	}
}

// McpsConfirm method.
func (h *Handler) McpsConfirm(c mac.McpsConfirm) {
	h.mu.Lock()
	h.McpsConfirms = append(h.McpsConfirms, c)
	h.mu.Unlock()
	h.Events <- "mcps_confirm"
}

// McpsIndication method.
func (h *Handler) McpsIndication(ind mac.McpsIndication) {
	h.mu.Lock()
	h.McpsIndications = append(h.McpsIndications, ind)
	h.mu.Unlock()
	h.Events <- "mcps_indication"
}

// MlmeConfirm method.
func (h *Handler) MlmeConfirm(c mac.MlmeConfirm) {
	h.mu.Lock()
	h.MlmeConfirms = append(h.MlmeConfirms, c)
	h.mu.Unlock()
	h.Events <- "mlme_confirm"
}

// MlmeIndication method.
func (h *Handler) MlmeIndication(ind mac.MlmeIndication) {
	h.mu.Lock()
	h.MlmeIndications = append(h.MlmeIndications, ind)
	h.mu.Unlock()
	h.Events <- "mlme_indication"
}

// LastMcpsConfirm returns the last recorded McpsConfirm.
func (h *Handler) LastMcpsConfirm() mac.McpsConfirm {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.McpsConfirms[len(h.McpsConfirms)-1]
}

// LastMcpsIndication returns the last recorded McpsIndication.
func (h *Handler) LastMcpsIndication() mac.McpsIndication {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.McpsIndications[len(h.McpsIndications)-1]
}

// LastMlmeConfirm returns the last recorded MlmeConfirm.
func (h *Handler) LastMlmeConfirm() mac.MlmeConfirm {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MlmeConfirms[len(h.MlmeConfirms)-1]
}

// LastMlmeIndication returns the last recorded MlmeIndication.
func (h *Handler) LastMlmeIndication() mac.MlmeIndication {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MlmeIndications[len(h.MlmeIndications)-1]
}
