package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/models"
)

// infoTTL bounds how stale the public snapshot may be. The snapshot walks
// every key record, so it is not rebuilt per request.
const infoTTL = 2 * time.Second

const infoCacheKey = "info"

type infoCache struct {
	c     *otter.Cache[string, []byte]
	start time.Time
}

func newInfoCache() *infoCache {
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](infoTTL),
	})
	if err != nil {
		// Options are static; this cannot fail at runtime.
		panic(err)
	}
	return &infoCache{c: c, start: time.Now()}
}

// familyInfo is the public per-(service, family) slice of the snapshot.
type familyInfo struct {
	ActiveKeys         int    `json:"activeKeys"`
	RevokedKeys        int    `json:"revokedKeys"`
	OverQuotaKeys      int    `json:"overQuotaKeys"`
	Usage              string `json:"usage"`
	ProomptersInQueue  int    `json:"proomptersInQueue"`
	EstimatedQueueTime string `json:"estimatedQueueTime"`
}

type infoResponse struct {
	Uptime   int64                                              `json:"uptime"`
	Build    string                                             `json:"build,omitempty"`
	Proompts int64                                              `json:"proompts"`
	Tookens  string                                             `json:"tookens"`
	Services map[proxy.Service]map[proxy.ModelFamily]familyInfo `json:"services"`
}

// handleInfo serves the public deployment snapshot.
func (s *server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	if body, ok := s.info.c.GetIfPresent(infoCacheKey); ok {
		writeRawJSON(w, http.StatusOK, body)
		return
	}
	body, err := json.Marshal(s.buildInfo())
	if err != nil {
		writeProxyError(w, err)
		return
	}
	s.info.c.Set(infoCacheKey, body)
	writeRawJSON(w, http.StatusOK, body)
}

func (s *server) buildInfo() infoResponse {
	resp := infoResponse{
		Uptime:   int64(time.Since(s.info.start).Seconds()),
		Build:    s.deps.BuildVersion,
		Services: make(map[proxy.Service]map[proxy.ModelFamily]familyInfo),
	}

	var totalTokens int64
	var totalCost float64

	for _, svc := range proxy.AllServices {
		keys := s.deps.Keys.List(svc)
		if len(keys) == 0 {
			continue
		}
		families := make(map[proxy.ModelFamily]familyInfo)
		for _, family := range models.Families(svc) {
			var fi familyInfo
			var tokens int64
			var cost float64
			for i := range keys {
				k := &keys[i]
				if !k.HasFamily(family) {
					continue
				}
				switch {
				case k.IsRevoked:
					fi.RevokedKeys++
				case k.IsOverQuota || k.FamilyOverQuota(family):
					fi.OverQuotaKeys++
				case !k.IsDisabled:
					fi.ActiveKeys++
				}
				u := k.TokenUsage[family]
				tokens += u.Input + u.Output
				cost += models.UsageCost(family, u.Input, u.Output)
			}
			if fi.ActiveKeys+fi.RevokedKeys+fi.OverQuotaKeys == 0 {
				continue
			}
			fi.Usage = formatUsage(tokens, cost)
			fi.ProomptersInQueue = s.deps.Queue.Depth(svc, family)
			fi.EstimatedQueueTime = s.deps.Queue.EstimatedWait(svc, family).Round(100 * time.Millisecond).String()
			families[family] = fi

			totalTokens += tokens
			totalCost += cost
		}
		if len(families) > 0 {
			resp.Services[svc] = families
		}
	}

	for _, k := range s.deps.Keys.Snapshot() {
		resp.Proompts += k.PromptCount
	}
	resp.Tookens = formatUsage(totalTokens, totalCost)
	return resp
}

// formatUsage renders token totals with an estimated spend.
func formatUsage(tokens int64, cost float64) string {
	switch {
	case tokens >= 1_000_000:
		return fmt.Sprintf("%.2fM tokens ($%.2f)", float64(tokens)/1e6, cost)
	case tokens >= 1_000:
		return fmt.Sprintf("%.1fK tokens ($%.2f)", float64(tokens)/1e3, cost)
	default:
		return fmt.Sprintf("%d tokens ($%.2f)", tokens, cost)
	}
}
