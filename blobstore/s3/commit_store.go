package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/vecvault/blobstore"
)

// ErrConcurrentModification is returned when a concurrent committer won the
// conditional write for a manifest pointer.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore wraps an S3 Store and routes manifest CURRENT pointers through
// DynamoDB conditional writes.
//
// S3 has no compare-and-swap, so the atomic pointer swap that the shard MVCC
// commit requires is delegated to DynamoDB: each swap writes a new
// monotonically increasing version row and fails with
// ErrConcurrentModification if another committer got there first. Everything
// that is not a CURRENT pointer passes straight through to S3.
//
// Table schema: partition key "uri" (S), sort key "version" (N).
type CommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a commit store. baseURI namespaces the pointer rows
// (conventionally "s3://bucket/prefix").
func NewCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func (s *CommitStore) isPointer(name string) bool {
	return path.Base(name) == "CURRENT"
}

func (s *CommitStore) uri(name string) string {
	return s.baseURI + "/" + name
}

// Open opens a blob. CURRENT pointers are materialized from DynamoDB.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if !s.isPointer(name) {
		return s.s3Store.Open(ctx, name)
	}
	_, target, err := s.latestVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, blobstore.ErrNotFound
	}
	return &memBlob{content: []byte(target)}, nil
}

// Put writes a blob. CURRENT pointers go through a conditional DynamoDB write.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if !s.isPointer(name) {
		return s.s3Store.Put(ctx, name, data)
	}

	version, _, err := s.latestVersion(ctx, name)
	if err != nil {
		return err
	}
	next := version + 1

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"uri":     &ddbtypes.AttributeValueMemberS{Value: s.uri(name)},
			"version": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
			"target":  &ddbtypes.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#u) AND attribute_not_exists(version)"),
		ExpressionAttributeNames: map[string]string{
			"#u": "uri",
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("%w: %s", blobstore.ErrUnavailable, err)
	}
	return nil
}

// Delete removes a blob. Pointer history in DynamoDB is retained.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if s.isPointer(name) {
		return nil
	}
	return s.s3Store.Delete(ctx, name)
}

// List lists blobs from the underlying S3 store.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.s3Store.List(ctx, prefix)
}

// latestVersion returns the highest committed version and its target for a
// pointer, or (0, "") when none exists.
func (s *CommitStore) latestVersion(ctx context.Context, name string) (int64, string, error) {
	out, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#u = :uri"),
		ExpressionAttributeNames: map[string]string{
			"#u": "uri",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: s.uri(name)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s", blobstore.ErrUnavailable, err)
	}
	if len(out.Items) == 0 {
		return 0, "", nil
	}

	item := out.Items[0]
	vAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", fmt.Errorf("pointer row for %s has no numeric version", name)
	}
	version, err := strconv.ParseInt(vAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("pointer row for %s has invalid version: %w", name, err)
	}
	target := ""
	if tAttr, ok := item["target"].(*ddbtypes.AttributeValueMemberS); ok {
		target = tAttr.Value
	}
	return version, target, nil
}

// memBlob serves pointer content materialized from DynamoDB.
type memBlob struct {
	content []byte
}

func (b *memBlob) Size() int64  { return int64(len(b.content)) }
func (b *memBlob) Close() error { return nil }

func (b *memBlob) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
