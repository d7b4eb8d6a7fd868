// ABOUTME: Organization messaging substrate: append-only logs, read cursors, mentions and search
// ABOUTME: Each organization log is guarded by its own mutex and persisted as one JSON file

package orgchat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"

	"github.com/2389/coven-fleet/internal/vectorstore"
)

// Default search settings.
const (
	DefaultFuzzyThreshold = 0.5
	DefaultMaxResults     = 20
	DefaultIndexWorkers   = 2
)

// Index is the semantic index behind semantic search.
type Index interface {
	IndexMessage(ctx context.Context, orgID, messageID, text string) error
	Search(ctx context.Context, orgID, query string, k int) ([]vectorstore.Hit, error)
}

// Options configures a Service.
type Options struct {
	Dir            string
	Directory      Directory
	Queue          MentionQueue
	Index          Index
	FuzzyThreshold float64
	MaxResults     int
	IndexWorkers   int
	Logger         *slog.Logger
	Now            func() time.Time
}

type orgLog struct {
	mu     sync.Mutex
	loaded bool
	path   string
	data   *orgFile
}

// Service holds every organization's chat log.
type Service struct {
	mu   sync.Mutex
	orgs map[string]*orgLog

	dir            string
	directory      Directory
	queue          MentionQueue
	index          Index
	pool           *workerpool.WorkerPool
	fuzzyThreshold float64
	maxResults     int
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates a substrate rooted at opts.Dir.
func NewService(opts Options) *Service {
	s := &Service{
		orgs:           make(map[string]*orgLog),
		dir:            opts.Dir,
		directory:      opts.Directory,
		queue:          opts.Queue,
		index:          opts.Index,
		fuzzyThreshold: opts.FuzzyThreshold,
		maxResults:     opts.MaxResults,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if s.fuzzyThreshold <= 0 {
		s.fuzzyThreshold = DefaultFuzzyThreshold
	}
	if s.maxResults <= 0 {
		s.maxResults = DefaultMaxResults
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "orgchat")
	if s.now == nil {
		s.now = time.Now
	}
	if s.index != nil {
		workers := opts.IndexWorkers
		if workers <= 0 {
			workers = DefaultIndexWorkers
		}
		s.pool = workerpool.New(workers)
	}
	return s
}

// SetQueue installs the mention queue. It must be called before the first Post.
func (s *Service) SetQueue(q MentionQueue) {
	s.queue = q
}

// Close waits for queued indexing work to finish.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.StopWait()
	}
}

// log returns the org's log, loading it from disk the first time.
// The returned log is locked.
func (s *Service) log(orgID string) (*orgLog, error) {
	if s.directory != nil && !s.directory.HasOrganization(orgID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrganization, orgID)
	}
	path, err := orgPath(s.dir, orgID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	l, ok := s.orgs[orgID]
	if !ok {
		l = &orgLog{path: path}
		s.orgs[orgID] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	if !l.loaded {
		data, err := readOrgFile(path)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.data = data
		l.loaded = true
	}
	return l, nil
}

// checkViewer rejects sessions that belong to a different organization.
// Viewers that are not sessions are treated as human readers.
func (s *Service) checkViewer(orgID, viewer string) error {
	if s.directory == nil || viewer == "" || viewer == HumanViewer {
		return nil
	}
	if org, ok := s.directory.OrganizationOf(viewer); ok && org != orgID {
		return ErrCrossOrganization
	}
	return nil
}

// Post appends a message to orgID's log and fans out its mentions.
func (s *Service) Post(ctx context.Context, orgID, content string, sender Sender) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if sender.Type == "" {
		sender.Type = SenderHuman
	}
	if sender.Type == SenderAI && sender.SessionID == "" {
		return nil, ErrMissingSender
	}
	if sender.SessionID != "" && s.directory != nil {
		org, ok := s.directory.OrganizationOf(sender.SessionID)
		// AI senders must be known sessions; anyone else claiming a session must match it.
		if (!ok && sender.Type == SenderAI) || (ok && org != orgID) {
			return nil, ErrCrossOrganization
		}
	}

	var members []Member
	if s.directory != nil {
		members = s.directory.Members(orgID)
	}
	mentions := ExtractMentions(content, members)

	msg := Message{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		SenderType:      sender.Type,
		SenderSessionID: sender.SessionID,
		SenderName:      sender.Name,
		Content:         content,
		CreatedAt:       s.now().UTC(),
	}
	for _, m := range mentions {
		msg.MentionSessionIDs = append(msg.MentionSessionIDs, m.SessionID)
		msg.MentionNames = append(msg.MentionNames, m.Name)
	}

	l, err := s.log(orgID)
	if err != nil {
		return nil, err
	}
	l.data.Messages = append(l.data.Messages, msg)
	err = writeOrgFile(l.path, l.data)
	if err != nil {
		l.data.Messages = l.data.Messages[:len(l.data.Messages)-1]
	}
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("org message posted",
		"org_id", orgID,
		"message_id", msg.ID,
		"sender", sender.Name,
		"mentions", len(mentions),
	)

	s.indexAsync(msg)

	if s.queue != nil {
		for _, m := range mentions {
			if sender.Type == SenderAI && m.SessionID == sender.SessionID {
				continue
			}
			s.queue.Enqueue(PendingMention{
				TargetSessionID: m.SessionID,
				OrgID:           orgID,
				MessageID:       msg.ID,
				SenderName:      sender.Name,
				SenderSessionID: sender.SessionID,
				Content:         content,
				CreatedAt:       msg.CreatedAt,
			})
		}
	}

	out := msg
	return &out, nil
}

func (s *Service) indexAsync(msg Message) {
	if s.pool == nil {
		return
	}
	s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.index.IndexMessage(ctx, msg.OrgID, msg.ID, PlainText(msg.Content)); err != nil {
			s.logger.Warn("failed to index message", "org_id", msg.OrgID, "message_id", msg.ID, "error", err)
		}
	})
}

// cursorIndex is the position of the viewer's last read message, or -1.
func cursorIndex(f *orgFile, viewer string) int {
	c, ok := f.Cursors[viewer]
	if !ok || c.LastReadMessageID == "" {
		return -1
	}
	for i := len(f.Messages) - 1; i >= 0; i-- {
		if f.Messages[i].ID == c.LastReadMessageID {
			return i
		}
	}
	return -1
}

// Messages returns orgID's log as seen by viewer, oldest first.
func (s *Service) Messages(ctx context.Context, orgID, viewer string, filter Filter) ([]Message, error) {
	if err := s.checkViewer(orgID, viewer); err != nil {
		return nil, err
	}
	l, err := s.log(orgID)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	start := 0
	if filter.UnreadOnly {
		start = cursorIndex(l.data, viewer) + 1
	}

	var out []Message
	for _, m := range l.data.Messages[start:] {
		if filter.UnreadOnly && m.SenderSessionID != "" && m.SenderSessionID == viewer {
			continue
		}
		if filter.MentionsOnly && !m.Mentions(viewer) {
			continue
		}
		out = append(out, m)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// UnreadCount counts messages after viewer's cursor not authored by viewer.
func (s *Service) UnreadCount(ctx context.Context, orgID, viewer string) (int, error) {
	msgs, err := s.Messages(ctx, orgID, viewer, Filter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// MarkAsRead moves viewer's cursor to the newest message of orgID.
func (s *Service) MarkAsRead(ctx context.Context, orgID, viewer string) error {
	if err := s.checkViewer(orgID, viewer); err != nil {
		return err
	}
	l, err := s.log(orgID)
	if err != nil {
		return err
	}

	var werr error
	if n := len(l.data.Messages); n > 0 {
		last := l.data.Messages[n-1].ID
		prev, had := l.data.Cursors[viewer]
		if !had || prev.LastReadMessageID != last {
			l.data.Cursors[viewer] = Cursor{LastReadMessageID: last, UpdatedAt: s.now().UTC()}
			if werr = writeOrgFile(l.path, l.data); werr != nil {
				if had {
					l.data.Cursors[viewer] = prev
				} else {
					delete(l.data.Cursors, viewer)
				}
			}
		}
	}
	l.mu.Unlock()
	if werr != nil {
		return werr
	}

	if s.queue != nil {
		s.queue.PruneRead(viewer)
	}
	return nil
}

// IsRead reports whether viewer has read messageID. Unknown messages count as read.
func (s *Service) IsRead(orgID, viewer, messageID string) bool {
	l, err := s.log(orgID)
	if err != nil {
		return true
	}
	defer l.mu.Unlock()

	cur := cursorIndex(l.data, viewer)
	for i, m := range l.data.Messages {
		if m.ID == messageID {
			return i <= cur
		}
	}
	return true
}

// Search finds messages in orgID matching query.
func (s *Service) Search(ctx context.Context, orgID, query string, mode SearchMode, limit int) ([]SearchResult, error) {
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if mode == "" {
		mode = SearchSubstring
	}

	switch mode {
	case SearchSubstring, SearchFuzzy:
		return s.searchText(orgID, query, mode, limit)
	case SearchSemantic:
		return s.searchSemantic(ctx, orgID, query, limit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSearchMode, mode)
	}
}

func (s *Service) searchText(orgID, query string, mode SearchMode, limit int) ([]SearchResult, error) {
	l, err := s.log(orgID)
	if err != nil {
		return nil, err
	}
	msgs := append([]Message(nil), l.data.Messages...)
	l.mu.Unlock()

	q := Normalize(query)
	var results []SearchResult
	for i := len(msgs) - 1; i >= 0; i-- {
		content := Normalize(PlainText(msgs[i].Content))
		var (
			score float64
			ok    bool
		)
		if mode == SearchFuzzy {
			score, ok = fuzzyScore(content, q)
			ok = ok && score >= s.fuzzyThreshold
		} else {
			score, ok = substringScore(content, q)
		}
		if ok {
			results = append(results, SearchResult{Message: msgs[i], Score: score})
		}
	}

	// Newest first among equal scores.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Service) searchSemantic(ctx context.Context, orgID, query string, limit int) ([]SearchResult, error) {
	if s.index == nil {
		return nil, ErrSemanticUnavailable
	}
	l, err := s.log(orgID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Message, len(l.data.Messages))
	for _, m := range l.data.Messages {
		byID[m.ID] = m
	}
	l.mu.Unlock()

	// Chunks of one message can crowd the top hits, so over-fetch.
	hits, err := s.index.Search(ctx, orgID, query, limit*3)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	seen := make(map[string]bool)
	var results []SearchResult
	for _, h := range hits {
		if seen[h.MessageID] {
			continue
		}
		msg, ok := byID[h.MessageID]
		if !ok {
			continue
		}
		seen[h.MessageID] = true
		results = append(results, SearchResult{Message: msg, Score: float64(h.Score)})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}
