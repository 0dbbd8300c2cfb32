package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/bson"

	"docdb-transfer/internal/config"
)

// ListNamespaces lists the databases of a connection, or the collections of
// database when it is set.
func (f *EndpointFactory) ListNamespaces(ctx context.Context, connectionID, database string) ([]string, error) {
	conn, ok := f.cfg.GetConnection(connectionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown connection %q", ErrInvalidRequest, connectionID)
	}

	switch conn.Type {
	case config.TypeMongoDB:
		sess, err := f.sessions.ForConnection(ctx, *conn)
		if err != nil {
			return nil, err
		}
		if database == "" {
			return sess.Client.ListDatabaseNames(ctx, bson.D{})
		}
		return sess.Client.Database(database).ListCollectionNames(ctx, bson.D{})
	case config.TypeS3:
		return f.listS3Directories(ctx, *conn, database)
	case config.TypeMemory:
		seen := map[string]bool{}
		var out []string
		for _, ns := range f.memory.Namespaces(conn.ID) {
			name := ns.Database
			if database != "" {
				if ns.Database != database {
					continue
				}
				name = ns.Collection
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: connection %q has unsupported type %q", ErrInvalidRequest, conn.ID, conn.Type)
	}
}

// listS3Directories lists the "directories" one level below the
// connection prefix, or below <prefix><database>/.
func (f *EndpointFactory) listS3Directories(ctx context.Context, conn config.Connection, database string) ([]string, error) {
	client, err := f.s3.ClientFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	prefix := conn.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if database != "" {
		prefix += database + "/"
	}

	var dirs []string
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(conn.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list failed: %w", err)
		}
		// CommonPrefixes are the sub directories
		for _, cp := range page.CommonPrefixes {
			dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/"))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
