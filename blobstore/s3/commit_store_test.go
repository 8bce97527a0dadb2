package s3

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/blobstore"
)

type fakeDDB struct {
	rows map[string]map[int64]string // uri -> version -> target

	failNextPut bool
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{rows: make(map[string]map[int64]string)}
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	uri := params.Item["uri"].(*ddbtypes.AttributeValueMemberS).Value
	version, _ := strconv.ParseInt(params.Item["version"].(*ddbtypes.AttributeValueMemberN).Value, 10, 64)
	target := params.Item["target"].(*ddbtypes.AttributeValueMemberS).Value

	if f.failNextPut {
		f.failNextPut = false
		return nil, &ddbtypes.ConditionalCheckFailedException{}
	}
	if _, exists := f.rows[uri][version]; exists {
		return nil, &ddbtypes.ConditionalCheckFailedException{}
	}
	if f.rows[uri] == nil {
		f.rows[uri] = make(map[int64]string)
	}
	f.rows[uri][version] = target

	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	uri := params.ExpressionAttributeValues[":uri"].(*ddbtypes.AttributeValueMemberS).Value

	versions := make([]int64, 0, len(f.rows[uri]))
	for v := range f.rows[uri] {
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	latest := versions[0]

	return &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{{
			"uri":     &ddbtypes.AttributeValueMemberS{Value: uri},
			"version": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(latest, 10)},
			"target":  &ddbtypes.AttributeValueMemberS{Value: f.rows[uri][latest]},
		}},
	}, nil
}

func TestCommitStorePointerSwap(t *testing.T) {
	ddbClient := newFakeDDB()
	cs := NewCommitStore(nil, ddbClient, "commits", "s3://bucket/vault")

	ctx := context.Background()

	_, err := cs.Open(ctx, "repo-a/CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, cs.Put(ctx, "repo-a/CURRENT", []byte("MANIFEST-000001.json")))
	require.NoError(t, cs.Put(ctx, "repo-a/CURRENT", []byte("MANIFEST-000002.json")))

	blob, err := cs.Open(ctx, "repo-a/CURRENT")
	require.NoError(t, err)

	data, err := blobstore.ReadBlob(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	assert.Equal(t, "MANIFEST-000002.json", string(data))
}

func TestCommitStoreConcurrentModification(t *testing.T) {
	ddbClient := newFakeDDB()
	cs := NewCommitStore(nil, ddbClient, "commits", "s3://bucket/vault")

	ctx := context.Background()

	require.NoError(t, cs.Put(ctx, "repo-a/CURRENT", []byte("MANIFEST-000001.json")))

	ddbClient.failNextPut = true
	err := cs.Put(ctx, "repo-a/CURRENT", []byte("MANIFEST-000002.json"))
	require.ErrorIs(t, err, ErrConcurrentModification)

	blob, err := cs.Open(ctx, "repo-a/CURRENT")
	require.NoError(t, err)

	data, err := blobstore.ReadBlob(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	assert.Equal(t, "MANIFEST-000001.json", string(data))
}

func TestCommitStorePointerDeleteIsNoop(t *testing.T) {
	ddbClient := newFakeDDB()
	cs := NewCommitStore(nil, ddbClient, "commits", "s3://bucket/vault")

	ctx := context.Background()

	require.NoError(t, cs.Put(ctx, "repo-a/CURRENT", []byte("MANIFEST-000001.json")))
	require.NoError(t, cs.Delete(ctx, "repo-a/CURRENT"))

	blob, err := cs.Open(ctx, "repo-a/CURRENT")
	require.NoError(t, err)
	defer blob.Close()

	data, err := blobstore.ReadBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001.json", string(data))
}
