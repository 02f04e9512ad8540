package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// PutObjectAPI is the part of *s3.Client the archive needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive keeps a copy of every accepted lead outside the CMS, one JSON
// object per lead under <prefix>/<yyyy>/<mm>/<uuid>.json.
type S3Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
	newID  func() string
}

func NewS3Archive(client PutObjectAPI, bucket, prefix string) (*S3Archive, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("archive bucket is required")
	}
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		newID:  uuid.NewString,
	}, nil
}

type archivedLead struct {
	ConsultaID   string       `json:"consultaId"`
	ReceivedAt   time.Time    `json:"receivedAt"`
	Consultation Consultation `json:"consulta"`
}

func (a *S3Archive) key(at time.Time) string {
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006"), at.Format("01"), a.newID()+".json")
}

// Archive writes c and returns the object key.
func (a *S3Archive) Archive(ctx context.Context, consultaID string, c Consultation, at time.Time) (string, error) {
	body, err := json.Marshal(archivedLead{ConsultaID: consultaID, ReceivedAt: at.UTC(), Consultation: c})
	if err != nil {
		return "", xerrors.Wrap(err, "encode lead")
	}
	key := a.key(at)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "put s3://%s/%s", a.bucket, key)
	}
	return key, nil
}
