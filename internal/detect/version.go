package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery"

	"clusterproxy/internal/authproxy"
)

// TargetProvider hands out route targets; authproxy.Handle implements it.
type TargetProvider interface {
	GetAPITarget(ctx context.Context, longRunning bool) (authproxy.RouteTarget, error)
}

// Detector performs one metadata detection against a cluster.
type Detector interface {
	Detect(ctx context.Context, targets TargetProvider) Result
}

// VersionDetector reads /version through the auth proxy.
type VersionDetector struct {
	// Timeout bounds a single call at the transport layer.
	Timeout time.Duration
}

// NewVersionDetector returns a detector with the given per-call timeout.
func NewVersionDetector(timeout time.Duration) *VersionDetector {
	return &VersionDetector{Timeout: timeout}
}

// Detect implements Detector.
func (d *VersionDetector) Detect(ctx context.Context, targets TargetProvider) Result {
	target, err := targets.GetAPITarget(ctx, false)
	if err != nil {
		res := Classify(err)
		if te, ok := res.(TransientError); ok && te.Kind == KindNetwork {
			te.Kind = KindUnavailable
			return te
		}
		return res
	}

	cfg := target.RESTConfig()
	if d.Timeout > 0 {
		cfg.Timeout = d.Timeout
	}

	client, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return TransientError{Kind: KindNetwork, Err: fmt.Errorf("failed to build discovery client: %w", err)}
	}

	raw, err := client.RESTClient().Get().AbsPath("/version").Do(ctx).Raw()
	if err != nil {
		if credentialFetchFailed(err) {
			return Classify(&TransportError{Failed: true, Err: err})
		}
		return Classify(err)
	}

	var info version.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return TransientError{Kind: KindServer, Err: fmt.Errorf("failed to decode /version: %w", err)}
	}

	dist, accuracy := DetectDistribution(info.GitVersion)
	return Success{Metadata: Metadata{
		Version:      info.GitVersion,
		Distribution: dist,
		Accuracy:     accuracy,
	}}
}

// credentialMarkers appear in the auth proxy's error response when it could
// not obtain credentials for the upstream request, e.g. an expired exec or
// OIDC login.
var credentialMarkers = []string{
	"getting credentials",
	"exec plugin",
	"failed to refresh token",
	"failed to get token",
	"invalid_grant",
	"unable to fetch credentials",
}

// credentialFetchFailed reports whether the auth proxy answered with an error
// caused by a failed credential fetch rather than by the cluster.
func credentialFetchFailed(err error) bool {
	texts := []string{err.Error()}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if status.Status().Code == http.StatusUnauthorized {
			return false
		}
		if details := status.Status().Details; details != nil {
			for _, cause := range details.Causes {
				texts = append(texts, cause.Message)
			}
		}
	}
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, marker := range credentialMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

var vanillaVersion = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)

// distributionMarkers are matched in order against the git version string.
var distributionMarkers = []struct {
	marker string
	name   string
}{
	{"-eks-", "eks"},
	{"-gke.", "gke"},
	{"+k3s", "k3s"},
	{"+rke2", "rke2"},
	{"+k0s", "k0s"},
	{"+vmware", "tanzu"},
	{"-mirantis-", "mirantis"},
	{"-aliyun", "aliyun"},
	{"-tke.", "tke"},
	{"-iks", "iks"},
}

// DetectDistribution guesses the Kubernetes distribution from a git version
// like "v1.29.3-eks-adc7111". Accuracy is 90 for a marker match, 10 for a
// plain upstream version and 0 when nothing is known.
func DetectDistribution(gitVersion string) (string, int) {
	lower := strings.ToLower(gitVersion)
	for _, m := range distributionMarkers {
		if strings.Contains(lower, m.marker) {
			return m.name, 90
		}
	}
	if vanillaVersion.MatchString(gitVersion) {
		return "vanilla", 10
	}
	return "unknown", 0
}
