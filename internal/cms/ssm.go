package cms

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// ParameterGetter is the part of *ssm.Client TokenFromSSM needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// TokenFromSSM reads the CMS write token from a SecureString parameter.
func TokenFromSSM(ctx context.Context, ssmc ParameterGetter, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("ssm parameter name is empty")
	}
	out, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	tok := strings.TrimSpace(*out.Parameter.Value)
	if tok == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return tok, nil
}
