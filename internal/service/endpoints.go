package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"docdb-transfer/internal/config"
	"docdb-transfer/internal/database"
	"docdb-transfer/internal/model"
	"docdb-transfer/internal/objectstore"
	"docdb-transfer/internal/session"
	"docdb-transfer/internal/transfer"
	"docdb-transfer/internal/transfer/memdoc"
)

// Endpoints turns task endpoints into readers and writers.
type Endpoints interface {
	Reader(ctx context.Context, ep model.Endpoint) (transfer.DocumentReader, error)
	Writer(ctx context.Context, ep model.Endpoint, strategy transfer.ConflictResolutionStrategy) (transfer.DocumentWriter, error)
}

// EndpointFactory resolves endpoints against the configured connections.
type EndpointFactory struct {
	cfg      *config.Config
	sessions *session.Store
	s3       *S3Clients
	memory   *memdoc.Registry
	log      logrus.FieldLogger
}

func NewEndpointFactory(cfg *config.Config, sessions *session.Store, s3 *S3Clients, memory *memdoc.Registry, log logrus.FieldLogger) *EndpointFactory {
	return &EndpointFactory{cfg: cfg, sessions: sessions, s3: s3, memory: memory, log: log}
}

func (f *EndpointFactory) connection(ep model.Endpoint) (config.Connection, error) {
	conn, ok := f.cfg.GetConnection(ep.ConnectionID)
	if !ok {
		return config.Connection{}, fmt.Errorf("%w: unknown connection %q", ErrInvalidRequest, ep.ConnectionID)
	}
	return *conn, nil
}

func (f *EndpointFactory) Reader(ctx context.Context, ep model.Endpoint) (transfer.DocumentReader, error) {
	conn, err := f.connection(ep)
	if err != nil {
		return nil, err
	}
	ns := ep.Namespace()
	t := f.cfg.Transfer

	switch conn.Type {
	case config.TypeMongoDB:
		sess, err := f.sessions.ForConnection(ctx, conn)
		if err != nil {
			return nil, err
		}
		return database.NewReader(sess.Client, ns, database.ReaderOptions{
			BatchSize:     t.ReadBatchSize,
			DocsPerSecond: t.ReadRateLimit,
		}), nil
	case config.TypeS3:
		client, err := f.s3.ClientFor(ctx, conn)
		if err != nil {
			return nil, err
		}
		return objectstore.NewReader(client, objectstore.Location{Bucket: conn.Bucket, Prefix: conn.Prefix}, ns), nil
	case config.TypeMemory:
		return memdoc.NewReader(f.memory.Collection(conn.ID, ns)), nil
	default:
		return nil, fmt.Errorf("%w: connection %q has unsupported type %q", ErrInvalidRequest, conn.ID, conn.Type)
	}
}

func (f *EndpointFactory) Writer(ctx context.Context, ep model.Endpoint, strategy transfer.ConflictResolutionStrategy) (transfer.DocumentWriter, error) {
	conn, err := f.connection(ep)
	if err != nil {
		return nil, err
	}
	ns := ep.Namespace()
	t := f.cfg.Transfer

	switch conn.Type {
	case config.TypeMongoDB:
		sess, err := f.sessions.ForConnection(ctx, conn)
		if err != nil {
			return nil, err
		}
		return database.NewWriter(sess.Client, ns, strategy, database.WriterOptions{
			MaxBatchSize: t.BatchSize,
			MaxMemoryMB:  t.MaxBatchMemoryMB,
		}, f.log), nil
	case config.TypeS3:
		client, err := f.s3.ClientFor(ctx, conn)
		if err != nil {
			return nil, err
		}
		return objectstore.NewWriter(client, objectstore.Location{Bucket: conn.Bucket, Prefix: conn.Prefix}, ns, strategy,
			objectstore.WriterOptions{
				BatchSize:   t.BatchSize,
				MaxMemoryMB: t.MaxBatchMemoryMB,
				Concurrency: t.S3Concurrency,
			}, f.log), nil
	case config.TypeMemory:
		return memdoc.NewWriter(f.memory.Collection(conn.ID, ns), strategy, transfer.BufferConstraints{
			OptimalDocumentCount: t.BatchSize,
			MaxMemoryMB:          t.MaxBatchMemoryMB,
		}), nil
	default:
		return nil, fmt.Errorf("%w: connection %q has unsupported type %q", ErrInvalidRequest, conn.ID, conn.Type)
	}
}
