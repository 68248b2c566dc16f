package signer

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
)

// signAzure builds an Azure OpenAI deployments call. The key secret is
// "resourceName:deploymentId:apiKey"; the deployment replaces the model in
// the path and the body's model field is dropped.
func (s *Signer) signAzure(req *proxy.Request) (*proxy.SignedRequest, error) {
	resource, deployment, apiKey, err := splitAzureSecret(req.Key.Secret)
	if err != nil {
		return nil, err
	}

	req.Changes.RecordBody(req.Body)
	body, _ := sjson.DeleteBytes(req.Body, "model")
	req.Body = body

	u := fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s/chat/completions?api-version=%s",
		url.PathEscape(resource), url.PathEscape(deployment), azureAPIVersion)

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("api-key", apiKey)
	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    u,
		Header: h,
		Body:   body,
	}, nil
}

func splitAzureSecret(secret string) (resource, deployment, apiKey string, err error) {
	parts := strings.SplitN(secret, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("signer: Azure key secret must be resourceName:deploymentId:apiKey")
	}
	return parts[0], parts[1], parts[2], nil
}
