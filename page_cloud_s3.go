package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3CloudConfig configures the S3-backed cloud target.
type S3CloudConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // For S3-compatible services
	// Prefer IAM roles or environment credentials over static keys.
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries" json:"max_retries"`
}

// S3Cloud implements PageCloud and DeviceSet against S3 or an S3-compatible
// service. Commit records live under <prefix><page>/commits/<token>, where
// the token embeds a zero-padded sequence number so lexicographic key order
// is upload order. Fingerprints live under <prefix>devices/<fingerprint>.
type S3Cloud struct {
	client  *s3.Client
	config  S3CloudConfig
	page    string
	retryer *Retryer
}

// NewS3Cloud creates a cloud target for one page.
func NewS3Cloud(cfg S3CloudConfig, page string) (*S3Cloud, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if page == "" {
		return nil, errors.New("page is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Cloud{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		page:   page,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (c *S3Cloud) commitPrefix() string {
	return c.config.Prefix + c.page + "/commits/"
}

func (c *S3Cloud) devicePrefix() string {
	return c.config.Prefix + "devices/"
}

// s3CommitObject is the JSON body stored per commit record.
type s3CommitObject struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// AddCommits implements PageCloud. Tokens are assigned by appending after
// the current highest sequence number; commits already present are skipped.
func (c *S3Cloud) AddCommits(ctx context.Context, records []CloudRecord) error {
	existing, maxSeq, err := c.listCommitKeys(ctx, "")
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, key := range existing {
		if i := strings.LastIndexByte(key, '-'); i >= 0 {
			present[key[i+1:]] = true
		}
	}

	seq := maxSeq
	for _, r := range records {
		if present[r.ID] {
			continue
		}
		seq++
		token := fmt.Sprintf("%020d-%s", seq, r.ID)
		body, err := json.Marshal(s3CommitObject{ID: r.ID, Payload: r.Payload})
		if err != nil {
			return fmt.Errorf("encode commit record: %w", err)
		}
		key := c.commitPrefix() + token
		result := c.retryer.Do(ctx, func() error {
			_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(c.config.Bucket),
				Key:    aws.String(key),
				Body:   bytes.NewReader(body),
			})
			if err != nil {
				return fmt.Errorf("S3 put commit failed: %w", err)
			}
			return nil
		})
		if result.LastErr != nil {
			return newSyncError(SyncErrorTypeNetwork, "commit upload failed", c.page, result.LastErr)
		}
	}
	return nil
}

// GetCommits implements PageCloud.
func (c *S3Cloud) GetCommits(ctx context.Context, afterToken string) ([]CloudRecord, error) {
	keys, _, err := c.listCommitKeys(ctx, afterToken)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	records := make([]CloudRecord, 0, len(keys))
	for _, key := range keys {
		token := strings.TrimPrefix(key, c.commitPrefix())
		if token <= afterToken {
			continue
		}

		var data []byte
		result := c.retryer.Do(ctx, func() error {
			resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(c.config.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("S3 get commit failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			data, err = io.ReadAll(resp.Body)
			return err
		})
		if result.LastErr != nil {
			return nil, newSyncError(SyncErrorTypeNetwork, "commit download failed", c.page, result.LastErr)
		}

		var obj s3CommitObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, newSyncError(SyncErrorTypeProtocol, "corrupt commit record", key, ErrMalformedNotification)
		}
		records = append(records, CloudRecord{ID: obj.ID, Payload: obj.Payload, Token: token})
	}
	return records, nil
}

// listCommitKeys lists commit object keys after afterToken and returns the
// highest sequence number seen across the whole page.
func (c *S3Cloud) listCommitKeys(ctx context.Context, afterToken string) ([]string, uint64, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.commitPrefix()),
	}
	if afterToken != "" {
		input.StartAfter = aws.String(c.commitPrefix() + afterToken)
	}

	var keys []string
	var maxSeq uint64
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, newSyncError(SyncErrorTypeNetwork, "commit listing failed", c.page, err)
		}
		for _, obj := range page.Contents {
			key := *obj.Key
			keys = append(keys, key)
			token := strings.TrimPrefix(key, c.commitPrefix())
			if i := strings.IndexByte(token, '-'); i > 0 {
				if seq, err := strconv.ParseUint(token[:i], 10, 64); err == nil && seq > maxSeq {
					maxSeq = seq
				}
			}
		}
	}
	return keys, maxSeq, nil
}

// CheckFingerprint implements DeviceSet.
func (c *S3Cloud) CheckFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(c.devicePrefix() + string(fp)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return CloudStatusNotFound
		}
		return CloudStatusNetworkError
	}
	return CloudStatusOK
}

// SetFingerprint implements DeviceSet.
func (c *S3Cloud) SetFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus {
	result := c.retryer.Do(ctx, func() error {
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.config.Bucket),
			Key:    aws.String(c.devicePrefix() + string(fp)),
			Body:   bytes.NewReader([]byte(time.Now().UTC().Format(time.RFC3339))),
		})
		return err
	})
	if result.LastErr != nil {
		return CloudStatusNetworkError
	}
	return CloudStatusOK
}

// SetWatcher implements DeviceSet. S3 offers no push notifications, so
// erasure is only discovered on the next CheckFingerprint; the subscription
// itself just verifies the fingerprint is present.
func (c *S3Cloud) SetWatcher(ctx context.Context, fp DeviceFingerprint, onErased func()) CloudStatus {
	return c.CheckFingerprint(ctx, fp)
}

// Erase implements DeviceSet: removes every fingerprint for this target.
func (c *S3Cloud) Erase(ctx context.Context) CloudStatus {
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.devicePrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return CloudStatusNetworkError
		}
		for _, obj := range page.Contents {
			if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.config.Bucket),
				Key:    obj.Key,
			}); err != nil {
				return CloudStatusNetworkError
			}
		}
	}
	return CloudStatusOK
}

var (
	_ PageCloud = (*S3Cloud)(nil)
	_ DeviceSet = (*S3Cloud)(nil)
)
