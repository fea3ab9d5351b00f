package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// tagMetadataPrefix marks user metadata entries that carry secret tags.
const tagMetadataPrefix = "tag-"

// S3Backend implements a secret store using Amazon S3 or compatible services.
// Each secret is one object; tags are stored as user metadata.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 secret store. Static credentials are used when
// accessKey and secretKey are provided, otherwise the default AWS credential
// chain applies.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Get downloads the object and its metadata.
func (b *S3Backend) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}
	start := time.Now()
	key := b.objectKey(name)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrSecretNotFound
	}
	if err != nil {
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched secret from S3",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return &interfaces.Secret{Name: name, Value: data, Tags: tagsFromMetadata(result.Metadata)}, nil
}

// Create uploads the object if HeadObject does not find it. S3 offers no
// conditional create in this SDK, so two concurrent creators may both succeed;
// the key store reads back after create to converge on one value.
func (b *S3Backend) Create(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(secret.Name)),
	})
	if err == nil {
		return interfaces.ErrSecretExists
	}
	if !isS3NotFound(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return b.put(ctx, secret)
}

// Set uploads the object, replacing any previous value.
func (b *S3Backend) Set(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	return b.put(ctx, secret)
}

func (b *S3Backend) put(ctx context.Context, secret *interfaces.Secret) error {
	key := b.objectKey(secret.Name)
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(secret.Value),
		Metadata:             metadataFromTags(secret.Tags),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upload object to S3: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored secret in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

// List pages through the prefix and heads each object for its tags.
func (b *S3Backend) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	var names []string
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), listPrefix)
			if ValidateSecretName(name) == nil {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var out []interfaces.SecretMetadata
	for _, name := range names {
		head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(b.objectKey(name)),
		})
		if isS3NotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}
		tags := tagsFromMetadata(head.Metadata)
		if interfaces.MatchesTags(tags, filter) {
			out = append(out, interfaces.SecretMetadata{Name: name, Tags: tags})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this secret store.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this secret store.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

func metadataFromTags(tags map[string]string) map[string]*string {
	md := make(map[string]*string, len(tags))
	for k, v := range tags {
		md[tagMetadataPrefix+k] = aws.String(v)
	}
	return md
}

// tagsFromMetadata reverses metadataFromTags. S3 canonicalizes user metadata
// keys, so they are lower-cased before the prefix is stripped.
func tagsFromMetadata(md map[string]*string) map[string]string {
	tags := map[string]string{}
	for k, v := range md {
		key := strings.ToLower(k)
		if strings.HasPrefix(key, tagMetadataPrefix) {
			tags[strings.TrimPrefix(key, tagMetadataPrefix)] = aws.StringValue(v)
		}
	}
	return tags
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
