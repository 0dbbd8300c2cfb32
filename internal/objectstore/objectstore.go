// Package objectstore keeps collections in an S3 bucket, one canonical
// Extended JSON object per document under <prefix><database>/<collection>/.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docdb-transfer/internal/transfer"
)

const objectSuffix = ".json"

// ErrObjectExists is reported for documents whose object is already present.
var ErrObjectExists = errors.New("object already exists")

// API is the part of the S3 client this package uses.
type API interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Location is a bucket and key prefix holding collections.
type Location struct {
	Bucket string
	Prefix string
}

// CollectionPrefix is the key prefix of every object of ns.
func (l Location) CollectionPrefix(ns transfer.Namespace) string {
	return normalizePrefix(l.Prefix) + ns.Database + "/" + ns.Collection + "/"
}

// ObjectKey is the key of the document with the given id.
func (l Location) ObjectKey(ns transfer.Namespace, id any) string {
	return l.CollectionPrefix(ns) + idString(id) + objectSuffix
}

// normalizePrefix makes non-empty prefixes end with "/" so that "logs" and
// "logs_backup" never share objects.
func normalizePrefix(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// idString renders an id as a single key segment.
func idString(id any) string {
	switch v := id.(type) {
	case bson.RawValue:
		if s, ok := v.StringValueOK(); ok {
			return url.PathEscape(s)
		}
		if oid, ok := v.ObjectIDOK(); ok {
			return oid.Hex()
		}
		if i, ok := v.Int32OK(); ok {
			return strconv.FormatInt(int64(i), 10)
		}
		if i, ok := v.Int64OK(); ok {
			return strconv.FormatInt(i, 10)
		}
		return url.PathEscape(v.String())
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return url.PathEscape(v)
	default:
		return url.PathEscape(fmt.Sprint(v))
	}
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nk)
}
