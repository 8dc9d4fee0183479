package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
)

type joinRequest struct {
	client *Client
	docID  string
}

// Hub looks up or creates the DocSession for a document id and routes
// joining clients to it, grounded on the teacher's Hub.
type Hub struct {
	logFactory func(docID string) annotationlog.Log
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*DocSession

	joinDoc chan joinRequest
}

// NewHub returns a Hub whose sessions each get a fresh Log from
// logFactory, so annotation histories for one document never mix with
// another's.
func NewHub(logFactory func(docID string) annotationlog.Log, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logFactory: logFactory,
		logger:     logger,
		sessions:   make(map[string]*DocSession),
		joinDoc:    make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		s = newDocSession(req.docID, h.logFactory(req.docID), h.logger)
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *DocSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}
