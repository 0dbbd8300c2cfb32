package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/bson"

	"docdb-transfer/internal/transfer"
)

// Reader reads the documents of one collection in key order.
type Reader struct {
	api    API
	bucket string
	prefix string
}

func NewReader(api API, loc Location, ns transfer.Namespace) *Reader {
	return &Reader{api: api, bucket: loc.Bucket, prefix: loc.CollectionPrefix(ns)}
}

func (r *Reader) listInput() *s3.ListObjectsV2Input {
	return &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.prefix),
	}
}

func (r *Reader) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	p := s3.NewListObjectsV2Paginator(r.api, r.listInput())
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), objectSuffix) {
				n++
			}
		}
	}
	return n, nil
}

func (r *Reader) StreamDocuments(context.Context) (transfer.DocumentStream, error) {
	return &objectStream{
		api:    r.api,
		bucket: r.bucket,
		pages:  s3.NewListObjectsV2Paginator(r.api, r.listInput()),
	}, nil
}

// objectStream lists lazily, one page at a time, and fetches each object
// when it is reached.
type objectStream struct {
	api    API
	bucket string
	pages  *s3.ListObjectsV2Paginator
	keys   []string
	doc    transfer.DocumentDetails
	err    error
}

func (s *objectStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for len(s.keys) == 0 {
		if !s.pages.HasMorePages() {
			return false
		}
		page, err := s.pages.NextPage(ctx)
		if err != nil {
			s.err = fmt.Errorf("list objects failed: %w", err)
			return false
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, objectSuffix) {
				s.keys = append(s.keys, key)
			}
		}
	}

	key := s.keys[0]
	s.keys = s.keys[1:]
	doc, err := s.fetch(ctx, key)
	if err != nil {
		s.err = err
		return false
	}
	s.doc = doc
	return true
}

func (s *objectStream) fetch(ctx context.Context, key string) (transfer.DocumentDetails, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return transfer.DocumentDetails{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return transfer.DocumentDetails{}, fmt.Errorf("read %s: %w", key, err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, true, &doc); err != nil {
		return transfer.DocumentDetails{}, fmt.Errorf("decode %s: %w", key, err)
	}

	var id any = strings.TrimSuffix(key[strings.LastIndex(key, "/")+1:], objectSuffix)
	for _, e := range doc {
		if e.Key == "_id" {
			id = e.Value
			break
		}
	}
	return transfer.DocumentDetails{ID: id, Document: doc}, nil
}

func (s *objectStream) Document() transfer.DocumentDetails { return s.doc }

func (s *objectStream) Err() error { return s.err }

func (s *objectStream) Close(context.Context) error { return nil }
