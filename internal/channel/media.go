package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MediaRef points a WhatsApp media message at uploaded content: either a
// Cloud API media id or a public link.
type MediaRef struct {
	ID   string
	Link string
}

// MediaStore hands binary content to somewhere WhatsApp can fetch it.
type MediaStore interface {
	Put(ctx context.Context, data []byte, contentType string) (MediaRef, error)
}

// DecodeDataURL parses a base64 "data:<type>;base64,<payload>" URL.
func DecodeDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("data URL must be base64 encoded")
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URL: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("data URL is empty")
	}
	return data, contentType, nil
}

// GraphMediaStore uploads media to the phone number's Cloud API media
// endpoint and returns the media id.
type GraphMediaStore struct {
	adapter *WhatsAppAdapter
}

// NewGraphMediaStore uploads through the adapter's credentials.
func NewGraphMediaStore(a *WhatsAppAdapter) *GraphMediaStore {
	return &GraphMediaStore{adapter: a}
}

func (s *GraphMediaStore) Put(ctx context.Context, data []byte, contentType string) (MediaRef, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return MediaRef{}, err
	}
	if err := w.WriteField("type", contentType); err != nil {
		return MediaRef{}, err
	}

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="` + mediaFilename(contentType) + `"`},
		"Content-Type":        {contentType},
	})
	if err != nil {
		return MediaRef{}, err
	}
	if _, err := part.Write(data); err != nil {
		return MediaRef{}, err
	}
	if err := w.Close(); err != nil {
		return MediaRef{}, err
	}

	cfg := s.adapter.cfg
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIBase+"/"+cfg.PhoneNumberID+"/media", &body)
	if err != nil {
		return MediaRef{}, fmt.Errorf("create media request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)

	var out struct {
		ID string `json:"id"`
	}
	if err := s.adapter.do(req, &out); err != nil {
		return MediaRef{}, fmt.Errorf("upload media: %w", err)
	}
	if out.ID == "" {
		return MediaRef{}, errors.New("upload media: response carried no id")
	}
	return MediaRef{ID: out.ID}, nil
}

// S3API is the subset of the S3 client the media store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner signs GET links for stored objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedURL, error)
}

// PresignedURL is a signed link.
type PresignedURL struct {
	URL string
}

type s3Presigner struct {
	client *s3.PresignClient
}

func (p s3Presigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedURL, error) {
	req, err := p.client.PresignGetObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedURL{URL: req.URL}, nil
}

// S3Config configures the S3 media store.
type S3Config struct {
	Region  string
	Bucket  string
	Prefix  string
	LinkTTL time.Duration
}

// S3MediaStore writes media to a bucket and hands WhatsApp a presigned link.
type S3MediaStore struct {
	client    S3API
	presigner Presigner
	bucket    string
	prefix    string
	ttl       time.Duration
}

// NewS3MediaStore loads the default AWS configuration and builds a store.
func NewS3MediaStore(ctx context.Context, cfg S3Config) (*S3MediaStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for S3: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewS3MediaStoreWithClient(client, s3Presigner{client: s3.NewPresignClient(client)}, cfg), nil
}

// NewS3MediaStoreWithClient builds a store over existing clients.
func NewS3MediaStoreWithClient(client S3API, presigner Presigner, cfg S3Config) *S3MediaStore {
	ttl := cfg.LinkTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &S3MediaStore{
		client:    client,
		presigner: presigner,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		ttl:       ttl,
	}
}

func (s *S3MediaStore) Put(ctx context.Context, data []byte, contentType string) (MediaRef, error) {
	key := mediaFilename(contentType)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return MediaRef{}, fmt.Errorf("put media object: %w", err)
	}

	signed, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return MediaRef{}, fmt.Errorf("presign media object: %w", err)
	}
	if _, err := url.Parse(signed.URL); err != nil {
		return MediaRef{}, fmt.Errorf("presigned url: %w", err)
	}
	return MediaRef{Link: signed.URL}, nil
}

func mediaFilename(contentType string) string {
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	return uuid.NewString() + ext
}
