package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var ErrMatchNotFound = errors.New("match not found")

type Participant struct {
	AccountID int64 `json:"account_id"`
	Won       bool  `json:"won"`
	// Rating is the participant's rating before the match.
	Rating    int64 `json:"rating"`
	Placement int   `json:"placement,omitempty"`
}

type MatchOutcome struct {
	MatchID      string        `json:"match_id"`
	Participants []Participant `json:"participants"`
}

// MatchSource supplies completed match results. It is called outside any
// wallet transaction.
type MatchSource interface {
	Fetch(ctx context.Context, matchID string) (MatchOutcome, error)
}

// HTTPSource reads GET {base}/matches/{id} from the match service.
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTPSource(base string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{base: base, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Fetch(ctx context.Context, matchID string) (MatchOutcome, error) {
	u, err := url.JoinPath(s.base, "matches", matchID)
	if err != nil {
		return MatchOutcome{}, fmt.Errorf("build match url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return MatchOutcome{}, fmt.Errorf("new request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return MatchOutcome{}, fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return MatchOutcome{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return MatchOutcome{}, fmt.Errorf("fetch match %s: status %d: %s", matchID, resp.StatusCode, b)
	}

	var out MatchOutcome

	err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if err != nil {
		return MatchOutcome{}, fmt.Errorf("decode match %s: %w", matchID, err)
	}

	if out.MatchID == "" {
		out.MatchID = matchID
	}

	return out, nil
}

// StaticSource serves outcomes registered in process, for deployments that
// push results along with the reward request.
type StaticSource struct {
	mu       sync.RWMutex
	outcomes map[string]MatchOutcome
}

func NewStaticSource() *StaticSource {
	return &StaticSource{outcomes: make(map[string]MatchOutcome)}
}

func (s *StaticSource) Put(o MatchOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes[o.MatchID] = o
}

func (s *StaticSource) Fetch(_ context.Context, matchID string) (MatchOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[matchID]
	if !ok {
		return MatchOutcome{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}

	return o, nil
}
