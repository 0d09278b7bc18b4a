package stage

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// S3Config holds remote stage parameters for pulling staged objects.
type S3Config struct {
	BucketURL    string // s3://bucket/prefix
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	PullInterval time.Duration
}

// S3Puller periodically moves objects from a remote S3 stage into the local
// spool directory using the AWS CLI (`aws s3 mv`), where the watcher picks
// them up. `mv` removes the remote object, so an object is offered locally
// at most once.
type S3Puller struct {
	spoolDir string
	cfg      S3Config

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewS3Puller constructs a puller from an S3 bucket URL and static
// credentials. Returns an error when the bucket URL is malformed or the aws
// CLI is unavailable.
func NewS3Puller(spoolDir string, cfg S3Config) (*S3Puller, error) {
	if err := validateBucketURL(cfg.BucketURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("stage: s3 access key and secret key are required")
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("stage: aws cli not found in PATH")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = time.Minute
	}
	return &S3Puller{
		spoolDir: spoolDir,
		cfg:      cfg,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the pull loop. One pull runs immediately to catch objects
// staged while the service was down.
func (p *S3Puller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.PullOnce(ctx); err != nil {
			log.Printf("stage: startup s3 pull failed: %v", err)
		}

		ticker := time.NewTicker(p.cfg.PullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.PullOnce(ctx); err != nil {
					log.Printf("stage: s3 pull failed: %v", err)
				}
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the pull loop.
func (p *S3Puller) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

// PullOnce moves all currently staged remote objects into the local spool.
func (p *S3Puller) PullOnce(ctx context.Context) error {
	args := []string{"s3", "mv", p.cfg.BucketURL, p.spoolDir,
		"--recursive", "--region", p.cfg.Region, "--only-show-errors"}
	if endpoint := normalizeEndpoint(p.cfg.Endpoint, p.cfg.UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+p.cfg.AccessKey,
		"AWS_SECRET_ACCESS_KEY="+p.cfg.SecretKey,
		"AWS_DEFAULT_REGION="+p.cfg.Region,
	)
	if strings.TrimSpace(p.cfg.SessionToken) != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+p.cfg.SessionToken)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3 pull command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func validateBucketURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("stage: invalid bucket URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return fmt.Errorf("stage: bucket URL must look like s3://bucket/prefix, got %q", raw)
	}
	return nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}
