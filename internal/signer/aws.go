package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
)

const bedrockService = "bedrock-runtime"

// signAWS builds and SigV4-signs a Bedrock invoke call. The key secret is
// "accessKeyId:secretAccessKey:region"; the model travels in the path and
// must not appear in the body.
func (s *Signer) signAWS(ctx context.Context, req *proxy.Request) (*proxy.SignedRequest, error) {
	keyID, secret, region, err := splitAWSSecret(req.Key.Secret)
	if err != nil {
		return nil, err
	}

	req.Changes.RecordBody(req.Body)
	body, err := sjson.SetBytes(req.Body, "anthropic_version", bedrockAnthropicVersion)
	if err != nil {
		return nil, fmt.Errorf("signer: bedrock body: %w", err)
	}
	// Bedrock rejects bodies carrying model or stream; both travel in the URL.
	body, _ = sjson.DeleteBytes(body, "model")
	body, _ = sjson.DeleteBytes(body, "stream")
	req.Body = body

	action := "invoke"
	if req.IsStreaming {
		action = "invoke-with-response-stream"
	}
	u := fmt.Sprintf("https://%s.%s.amazonaws.com/model/%s/%s",
		bedrockService, region, url.PathEscape(bedrockModelID(req)), action)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signer: build bedrock request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.IsStreaming {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}

	payloadHash := sha256Hex(body)
	creds := aws.Credentials{AccessKeyID: keyID, SecretAccessKey: secret}
	if err := v4.NewSigner().SignHTTP(ctx, creds, httpReq, payloadHash, bedrockService, region, s.now()); err != nil {
		return nil, fmt.Errorf("signer: sign bedrock request: %w", err)
	}

	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    u,
		Header: httpReq.Header,
		Body:   body,
	}, nil
}

// bedrockModelID picks the Bedrock model identifier: the key's narrowed
// ModelIDs when present, otherwise the canonical model name.
func bedrockModelID(req *proxy.Request) string {
	for _, id := range req.Key.ModelIDs {
		if strings.Contains(id, req.Model) {
			return id
		}
	}
	if len(req.Key.ModelIDs) == 1 {
		return req.Key.ModelIDs[0]
	}
	return "anthropic." + req.Model
}

func splitAWSSecret(secret string) (keyID, key, region string, err error) {
	parts := strings.SplitN(secret, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("signer: AWS key secret must be accessKeyId:secretAccessKey:region")
	}
	return parts[0], parts[1], parts[2], nil
}

// sha256Hex returns the hex-encoded SHA-256 hash of data.
// Returns the hash of an empty string for nil/empty input.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
