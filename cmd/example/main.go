package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName  = "example-bucket"
	ArchiveName = "example-archive"
)

// Documents is a small tree of keys used to show off directory listings.
var Documents = map[string]string{
	"readme.txt":                    "Hello from Strata!\n",
	"projects/apollo/plan.md":       "# Apollo\n\nStep one: build the rocket.\n",
	"projects/apollo/budget.csv":    "item,cost\nrocket,1000000\n",
	"projects/gemini/notes.txt":     "Two seats this time.\n",
	"photos/2024/summer/beach.jpg":  "not really a jpeg",
	"photos/2024/winter/skiing.jpg": "not really a jpeg either",
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// UploadDocuments writes every entry of Documents into bucketName.
func UploadDocuments(ctx context.Context, client *minio.Client, bucketName string) error {
	for key, content := range Documents {
		_, err := client.PutObject(ctx, bucketName, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType:  "text/plain",
			UserMetadata: map[string]string{"Source": "example"},
		})
		if err != nil {
			return fmt.Errorf("failed to upload object %q to bucket %q: %w", key, bucketName, err)
		}
		slog.Info("Uploaded object", "bucket", bucketName, "key", key, "size", len(content))
	}
	return nil
}

// WalkDirectory lists one directory level at a time, descending into every
// common prefix it finds.
func WalkDirectory(ctx context.Context, client *minio.Client, bucketName string, prefix string) error {
	for info := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return fmt.Errorf("failed to list %q in bucket %q: %w", prefix, bucketName, info.Err)
		}

		if strings.HasSuffix(info.Key, "/") {
			slog.Info("Directory", "bucket", bucketName, "path", info.Key)
			if err := WalkDirectory(ctx, client, bucketName, info.Key); err != nil {
				return err
			}
			continue
		}

		slog.Info("Object", "bucket", bucketName, "key", info.Key, "size", info.Size, "etag", info.ETag)
	}
	return nil
}

// ReadObject fetches an object and logs its content and user metadata.
func ReadObject(ctx context.Context, client *minio.Client, bucketName string, key string) error {
	obj, err := client.GetObject(ctx, bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", key, err)
	}

	slog.Info("Read object", "key", key, "content", string(body), "metadata", stat.UserMetadata)
	return nil
}

// ArchiveProjects copies every project document into the archive bucket
// and removes the originals.
func ArchiveProjects(ctx context.Context, client *minio.Client) error {
	if err := EnsureBucket(ctx, client, ArchiveName); err != nil {
		return err
	}

	var keys []string
	for info := range client.ListObjects(ctx, BucketName, minio.ListObjectsOptions{Prefix: "projects/", Recursive: true}) {
		if info.Err != nil {
			return fmt.Errorf("failed to list projects: %w", info.Err)
		}
		keys = append(keys, info.Key)
	}

	for _, key := range keys {
		src := minio.CopySrcOptions{Bucket: BucketName, Object: key}
		dst := minio.CopyDestOptions{Bucket: ArchiveName, Object: "2024/" + key}
		if _, err := client.CopyObject(ctx, dst, src); err != nil {
			return fmt.Errorf("failed to archive %q: %w", key, err)
		}

		if err := client.RemoveObject(ctx, BucketName, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %q: %w", key, err)
		}
		slog.Info("Archived object", "key", key, "dest", dst.Object)
	}
	return nil
}

// MultipartUploadExample drives a multipart upload by hand through the
// low-level Core client.
func MultipartUploadExample(ctx context.Context, client *minio.Client) error {
	const object = "backups/disk.img"

	creds, err := client.GetCreds()
	if err != nil {
		return fmt.Errorf("failed to get client credentials: %w", err)
	}

	coreClient, err := minio.NewCore(client.EndpointURL().Host, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create core client: %w", err)
	}

	uploadID, err := coreClient.NewMultipartUpload(ctx, BucketName, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	logger := slog.With("bucket", BucketName, "object", object, "upload_id", uploadID)
	logger.Info("Started multipart upload")

	partData := [][]byte{
		bytes.Repeat([]byte{0xAA}, 5<<20),
		bytes.Repeat([]byte{0xBB}, 5<<20),
		bytes.Repeat([]byte{0xCC}, 1<<20),
	}

	var parts []minio.CompletePart
	total := 0

	for i, data := range partData {
		partNumber := i + 1

		part, err := coreClient.PutObjectPart(ctx, BucketName, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			_ = coreClient.AbortMultipartUpload(ctx, BucketName, object, uploadID)
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		parts = append(parts, minio.CompletePart{PartNumber: partNumber, ETag: part.ETag})
		total += len(data)
	}

	info, err := coreClient.CompleteMultipartUpload(ctx, BucketName, object, uploadID, parts, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	logger.Info("Completed multipart upload", "total_size", total, "etag", info.ETag)
	return nil
}

func Run(ctx context.Context, client *minio.Client) error {
	if err := EnsureBucket(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err := UploadDocuments(ctx, client, BucketName); err != nil {
		return err
	}

	if err := WalkDirectory(ctx, client, BucketName, ""); err != nil {
		return err
	}

	if err := ReadObject(ctx, client, BucketName, "projects/apollo/plan.md"); err != nil {
		return err
	}

	if err := ArchiveProjects(ctx, client); err != nil {
		return err
	}

	if err := MultipartUploadExample(ctx, client); err != nil {
		return fmt.Errorf("failed to run multipart upload example: %w", err)
	}

	return WalkDirectory(ctx, client, ArchiveName, "")
}

func main() {
	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
	})))

	endpoint := getenv("STRATA_ENDPOINT", "localhost:9000")
	accessKey := getenv("STRATA_ACCESS_KEY", "strataadmin")
	secretKey := getenv("STRATA_SECRET_KEY", "strataadmin")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		slog.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	if err := Run(context.Background(), client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
