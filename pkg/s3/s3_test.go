package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/pkg/config"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
	failGet error
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestClient_UploadFetchDelete(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}}
	client := NewWithAPI(fake, "templates", "/overrides/")

	key, err := client.Upload(context.Background(), "email/welcome", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "overrides/email/welcome.tmpl", key)

	data, found, err := client.Fetch(context.Background(), "email/welcome")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, client.Delete(context.Background(), "email/welcome"))
	_, found, err = client.Fetch(context.Background(), "email/welcome")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_FetchError(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, failGet: errors.New("connection reset")}
	_, found, err := NewWithAPI(fake, "b", "").Fetch(context.Background(), "email/welcome")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestNewClient_RequiresBucket(t *testing.T) {
	_, err := NewClient(&config.Config{})
	assert.Error(t, err)
}
