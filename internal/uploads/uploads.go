// Package uploads stores product and store images in S3, served through
// CloudFront.
package uploads

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/vitrinelive/vitrine/internal/httpx"
)

const maxUploadBytes = 8 << 20 // 8 MiB

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Uploader writes objects to S3 and returns their public CDN URLs.
type Uploader struct {
	client    *s3.Client
	bucket    string
	cdnDomain string
}

// NewUploader builds an uploader using the ambient AWS credential chain.
func NewUploader(ctx context.Context, region, bucket, cdnDomain string) (*Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Uploader{
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		cdnDomain: strings.TrimSuffix(cdnDomain, "/"),
	}, nil
}

// Put stores one object under a generated key and returns its CDN URL.
func (u *Uploader) Put(ctx context.Context, prefix, contentType string, body []byte) (string, error) {
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported content type %q: %w", contentType, verrors.ErrInvalidInput)
	}
	key := path.Join(prefix, uuid.NewString()+ext)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", verrors.NewProviderError(verrors.ErrorTypeProvider, "s3", "put object", err)
	}
	return u.cdnDomain + "/" + key, nil
}

// HandleUpload accepts a raw image body and stores it.
// POST /api/uploads/{prefix}
func (u *Uploader) HandleUpload(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	if prefix != "products" && prefix != "stores" {
		httpx.WriteError(w, fmt.Errorf("unknown upload prefix %q: %w", prefix, verrors.ErrInvalidInput))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("image too large: %w", verrors.ErrInvalidInput))
		return
	}

	url, err := u.Put(r.Context(), prefix, r.Header.Get("Content-Type"), body)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"url": url})
}
