package channel

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	key  string
	body []byte
	ct   string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	f.ct = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedURL, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &PresignedURL{URL: "https://media.example.com/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc"}, nil
}

func TestS3MediaStorePut(t *testing.T) {
	client := &fakeS3{}
	presigner := &fakePresigner{}
	store := NewS3MediaStoreWithClient(client, presigner, S3Config{Bucket: "herald-media", Prefix: "/whatsapp/"})

	ref, err := store.Put(context.Background(), []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(client.key, "whatsapp/") || !strings.HasSuffix(client.key, ".png") {
		t.Errorf("key = %q", client.key)
	}
	if string(client.body) != "img" || client.ct != "image/png" {
		t.Errorf("stored %q as %q", client.body, client.ct)
	}
	if ref.ID != "" || !strings.Contains(ref.Link, client.key) {
		t.Errorf("ref = %+v", ref)
	}
	if presigner.expires != 24*time.Hour {
		t.Errorf("link ttl = %v", presigner.expires)
	}
}
