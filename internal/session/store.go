// Package session keeps the MongoDB clients opened for configured
// connections, addressed by session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"docdb-transfer/internal/config"
)

var ErrSessionNotFound = errors.New("session not found")

const idPrefix = "sess_"

type Session struct {
	ID           string
	ConnectionID string
	Client       *mongo.Client
	CreatedAt    time.Time
}

// ConnectFunc opens a client for a connection.
type ConnectFunc func(ctx context.Context, conn config.Connection) (*mongo.Client, error)

type Store struct {
	connect ConnectFunc
	log     logrus.FieldLogger

	mu           sync.Mutex
	sessions     map[string]*Session
	byConnection map[string]string
}

func NewStore(connect ConnectFunc, log logrus.FieldLogger) *Store {
	return &Store{
		connect:      connect,
		log:          log,
		sessions:     make(map[string]*Session),
		byConnection: make(map[string]string),
	}
}

// InitNewSession connects to conn and returns the new session id.
func (s *Store) InitNewSession(ctx context.Context, conn config.Connection) (string, error) {
	client, err := s.connect(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", conn.ID, err)
	}
	sess := &Session{
		ID:           idPrefix + ulid.Make().String(),
		ConnectionID: conn.ID,
		Client:       client,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if _, ok := s.byConnection[conn.ID]; !ok {
		s.byConnection[conn.ID] = sess.ID
	}
	s.mu.Unlock()

	s.log.WithField("session_id", sess.ID).Infof("Opened session for connection %s", conn.ID)
	return sess.ID, nil
}

func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// ForConnection returns the shared session of conn, opening it on first use.
func (s *Store) ForConnection(ctx context.Context, conn config.Connection) (*Session, error) {
	s.mu.Lock()
	if id, ok := s.byConnection[conn.ID]; ok {
		sess := s.sessions[id]
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	id, err := s.InitNewSession(ctx, conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	own, alive := s.sessions[id]
	shared, registered := s.sessions[s.byConnection[conn.ID]]
	if !registered && alive {
		// the session registered before ours was closed meanwhile
		s.byConnection[conn.ID] = id
		shared, registered = own, true
	}
	s.mu.Unlock()

	switch {
	case !registered:
		return nil, fmt.Errorf("%w: %s was closed while connecting %s", ErrSessionNotFound, id, conn.ID)
	case shared.ID != id:
		// another caller won the race
		if err := s.CloseSession(ctx, id); err != nil {
			s.log.Warnf("Closing duplicate session %s failed: %v", id, err)
		}
	}
	return shared, nil
}

// CloseSession disconnects and forgets a session.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		if s.byConnection[sess.ConnectionID] == id {
			delete(s.byConnection, sess.ConnectionID)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := sess.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect session %s: %w", id, err)
	}
	s.log.WithField("session_id", id).Infof("Closed session for connection %s", sess.ConnectionID)
	return nil
}

// CloseAll closes every session and returns the joined errors.
func (s *Store) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
