package transport

import (
	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
	"github.com/reviewcrdt/trackchanges/internal/trackchanges"
	"github.com/reviewcrdt/trackchanges/review"
)

type opMessage struct {
	client *Client
	msg    ClientMessage
}

// DocSession manages one document's canonical server-side replica and
// every client connected to it, grounded on the teacher's Session: all
// operations are serialized through a single goroutine.
type DocSession struct {
	docID   string
	doc     *positiontext.Document
	log     annotationlog.Log
	engine  *trackchanges.Engine
	clients map[*Client]bool

	incoming chan opMessage
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}

	logger *zap.Logger
}

func newDocSession(docID string, log annotationlog.Log, logger *zap.Logger) *DocSession {
	doc := positiontext.NewDocument(docID + "-server")
	engine := trackchanges.NewEngine(doc, log, logger)
	s := &DocSession{
		docID:    docID,
		doc:      doc,
		log:      log,
		engine:   engine,
		clients:  make(map[*Client]bool),
		incoming: make(chan opMessage, 64),
		join:     make(chan *Client, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
		logger:   logger,
	}
	engine.Subscribe(s.broadcastEvent)
	return s
}

// Run is the session's main loop. It serializes all operations,
// matching the teacher's Session.Run select shape.
func (s *DocSession) Run() {
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case om := <-s.incoming:
			s.handleOp(om)
		case <-s.stop:
			return
		}
	}
}

func (s *DocSession) handleJoin(c *Client) {
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.sendMsg(ServerMessage{Type: MsgDoc, DocID: s.docID, Content: s.doc.String()})
}

func (s *DocSession) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)
}

func (s *DocSession) handleOp(om opMessage) {
	replica := review.NewReplica(om.msg.UserID, s.doc, s.log, s.engine)
	var err error
	switch om.msg.Type {
	case MsgInsert:
		err = replica.Insert(om.msg.Index, om.msg.Text, om.msg.IsSuggestion)
	case MsgDelete:
		err = replica.Delete(om.msg.Index, om.msg.Count, om.msg.IsSuggestion)
	case MsgAccept:
		err = replica.AcceptSuggestion(annotation.ID(om.msg.AnnotationID))
	case MsgDecline:
		err = replica.DeclineSuggestion(annotation.ID(om.msg.AnnotationID))
	case MsgAddComment:
		err = replica.AddComment(om.msg.StartIndex, om.msg.EndIndex, om.msg.Text)
	case MsgRemoveComment:
		err = replica.RemoveComment(annotation.ID(om.msg.AnnotationID))
	}
	if err != nil {
		s.logger.Warn("operation failed", zap.String("type", om.msg.Type), zap.Error(err))
		om.client.sendError(err.Error())
	}
}

// broadcastEvent forwards engine events to every connected client as a
// record-shaped message. It is registered as an Engine subscriber, so it
// runs on whichever goroutine delivered the record; here every record is
// appended from handleOp, so that is the session goroutine.
func (s *DocSession) broadcastEvent(ev trackchanges.Event) {
	rec := annotation.Record{
		PartialRecord: annotation.PartialRecord{
			ID:          ev.Annotation.ID,
			Kind:        ev.Annotation.Kind,
			Description: ev.Annotation.Description,
			UserID:      ev.Annotation.UserID,
			Value:       ev.Annotation.Value,
			Range:       ev.Annotation.Range,
		},
		Lamport:  ev.Annotation.Lamport,
		SenderID: ev.Annotation.SenderID,
	}
	if ev.Kind == trackchanges.EventAnnotationRemoved {
		rec.Action = annotation.ActionRemoval
	}
	msg := ServerMessage{Type: MsgRecord, DocID: s.docID, Record: EncodeRecord(rec)}
	for c := range s.clients {
		c.sendMsg(msg)
	}
}

