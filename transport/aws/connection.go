package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// Settings is a parsed AWS connection, shared by the SNS/SQS broker, the SQS
// queue and the S3 checkpoint store.
type Settings struct {
	Connection      string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	AccountID       string
}

// ParseConnection reads an AWS connection. A connection string has the form
// "Region=..;AccessKeyId=..;SecretAccessKey=..;Endpoint=..;AccountId=..",
// every key optional. A namespace is the region and its credential, when
// set, is "accessKeyId:secretAccessKey".
func ParseConnection(conn transport.Connection) (Settings, error) {
	if err := conn.Validate(); err != nil {
		return Settings{}, err
	}
	s := Settings{Connection: conn.Identity()}

	if conn.ConnectionString == "" {
		s.Region = strings.TrimSpace(conn.Namespace)
		if conn.Credential != "" {
			id, secret, ok := strings.Cut(conn.Credential, ":")
			if !ok {
				return Settings{}, errspkg.NewConfigurationError(s.Connection, "aws credential must be accessKeyId:secretAccessKey")
			}
			s.AccessKeyID, s.SecretAccessKey = id, secret
		}
		return s, nil
	}

	kv, err := transport.ParseKeyValues(s.Connection, conn.ConnectionString)
	if err != nil {
		return Settings{}, err
	}
	s.Region = kv.Get("Region")
	s.AccessKeyID = kv.Get("AccessKeyId")
	s.SecretAccessKey = kv.Get("SecretAccessKey")
	s.Endpoint = kv.Get("Endpoint")
	s.AccountID = strings.Trim(kv.Get("AccountId"), "\"' ")
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		return Settings{}, errspkg.NewConfigurationError(s.Connection, "AccessKeyId and SecretAccessKey must be set together")
	}
	if s.Endpoint != "" {
		if _, err := s.EndpointURL(); err != nil {
			return Settings{}, errspkg.NewConfigurationError(s.Connection, "invalid Endpoint: %v", err)
		}
	}
	return s, nil
}

// EndpointURL returns the parsed endpoint override, or nil when none is set.
func (s Settings) EndpointURL() (*url.URL, error) {
	if s.Endpoint == "" {
		return nil, nil
	}
	parsed, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("AWS endpoint %q must be an absolute URL", s.Endpoint)
	}
	return parsed, nil
}

// LoadConfig loads the default AWS config and applies the connection's
// region, static credentials and endpoint override.
func LoadConfig(ctx context.Context, s Settings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// the loader may ignore options
	if s.Region != "" {
		awsCfg.Region = s.Region
	}
	if s.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(s.Endpoint)
	}
	return awsCfg, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "busflow",
		}, nil
	})
}
