package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/schema"
)

// Bootstrap env var names, per the external interface contract: a
// single-node deployment can seed one access key and one bucket without
// an operator needing to drive the admin API first.
const (
	envDefaultAccessKey = "MERIDIAN_DEFAULT_ACCESS_KEY"
	envDefaultSecretKey = "MERIDIAN_DEFAULT_SECRET_KEY"
	envDefaultBucket    = "MERIDIAN_DEFAULT_BUCKET"
)

// bucketNamespace is a fixed UUID namespace used to derive a bucket's id
// deterministically from its bootstrap name, so re-running Bootstrap
// against the same environment on every start converges to the same
// row (merge is idempotent) instead of minting a fresh bucket each time.
var bucketNamespace = uuid.MustParse("6f6e1e6c-2c3a-4e9b-9e0a-9b6b9f9a3a10")

// Bootstrap seeds the access key and bucket named by the
// MERIDIAN_DEFAULT_* environment variables, if set. It is safe to call
// on every start: inserting the same derived rows again is a no-op
// under CRDT merge.
func Bootstrap(ctx context.Context, s *System) error {
	accessKey := os.Getenv(envDefaultAccessKey)
	secretKey := os.Getenv(envDefaultSecretKey)
	bucketName := os.Getenv(envDefaultBucket)

	if accessKey == "" && bucketName == "" {
		return nil
	}

	now := time.Now().UnixNano()

	var bucketID uuid.UUID
	if bucketName != "" {
		bucketID = uuid.NewSHA1(bucketNamespace, []byte(bucketName))
		bucket := schema.Bucket{
			ID: bucketID,
			Aliases: map[string]schema.BucketAlias{
				bucketName: {Deleted: false, Timestamp: now},
			},
		}
		if _, err := s.Buckets.Insert(ctx, bucket); err != nil {
			return fmt.Errorf("cluster: failed to bootstrap default bucket %q: %w", bucketName, err)
		}
		clusterLog.Info().Str("bucket", bucketName).Msg("bootstrapped default bucket")
	}

	if accessKey != "" {
		key := schema.AccessKey{
			ID:     accessKey,
			Secret: schema.LWWString{Value: secretKey, Timestamp: now},
			Name:   schema.LWWString{Value: accessKey, Timestamp: now},
		}
		if bucketName != "" {
			key.Permissions = map[uuid.UUID]schema.Permission{
				bucketID: {Read: true, Write: true, Owner: true, Timestamp: now},
			}
		}
		if _, err := s.AccessKeys.Insert(ctx, key); err != nil {
			return fmt.Errorf("cluster: failed to bootstrap default access key: %w", err)
		}
		clusterLog.Info().Str("access_key", accessKey).Msg("bootstrapped default access key")
	}

	return nil
}
