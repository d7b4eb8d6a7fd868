// ABOUTME: Tests for the organization messaging substrate
// ABOUTME: Covers posting, isolation, cursors, mention fan-out, search modes and persistence

package orgchat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/vectorstore"
)

type fakeDirectory struct {
	orgs    map[string][]Member
	session map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		orgs: map[string][]Member{
			"acme": {{SessionID: "alpha", Name: "Alpha"}, {SessionID: "beta", Name: "Beta Worker"}},
			"umbrella": {{SessionID: "gamma", Name: "Gamma"}},
		},
		session: map[string]string{"alpha": "acme", "beta": "acme", "gamma": "umbrella"},
	}
}

func (d *fakeDirectory) HasOrganization(orgID string) bool {
	_, ok := d.orgs[orgID]
	return ok
}

func (d *fakeDirectory) Members(orgID string) []Member { return d.orgs[orgID] }

func (d *fakeDirectory) OrganizationOf(sessionID string) (string, bool) {
	org, ok := d.session[sessionID]
	return org, ok
}

type recordingQueue struct {
	mu      sync.Mutex
	pending []PendingMention
	pruned  []string
}

func (q *recordingQueue) Enqueue(m PendingMention) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, m)
}

func (q *recordingQueue) PruneRead(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruned = append(q.pruned, sessionID)
}

func (q *recordingQueue) targets() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.pending {
		out = append(out, p.TargetSessionID)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q := &recordingQueue{}
	s := NewService(Options{Dir: dir, Directory: newFakeDirectory(), Queue: q})
	t.Cleanup(s.Close)
	return s, q, dir
}

func human(name string) Sender { return Sender{Type: SenderHuman, Name: name} }

func ai(id, name string) Sender { return Sender{Type: SenderAI, SessionID: id, Name: name} }

func TestPost_RoundTrip(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	posted, err := s.Post(ctx, "acme", "hello team", human("Dana"))
	require.NoError(t, err)
	assert.NotEmpty(t, posted.ID)
	assert.Equal(t, SenderHuman, posted.SenderType)

	msgs, err := s.Messages(ctx, "acme", "alpha", Filter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, posted.ID, msgs[0].ID)
	assert.Equal(t, "hello team", msgs[0].Content)
	assert.Equal(t, "Dana", msgs[0].SenderName)
}

func TestPost_EmptyContent(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.Post(context.Background(), "acme", "   \n", human("Dana"))
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestPost_CrossOrganizationRejected(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Post(ctx, "acme", "hi from umbrella", ai("gamma", "Gamma"))
	require.ErrorIs(t, err, ErrCrossOrganization)
	assert.Equal(t, "cross-organization posting is not allowed", err.Error())

	msgs, err := s.Messages(ctx, "acme", HumanViewer, Filter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Messages(ctx, "acme", "gamma", Filter{})
	assert.ErrorIs(t, err, ErrCrossOrganization)

	_, err = s.Post(ctx, "acme", "relayed for gamma", Sender{Type: SenderHuman, SessionID: "gamma", Name: "Gamma"})
	require.ErrorIs(t, err, ErrCrossOrganization)

	msgs, err = s.Messages(ctx, "acme", HumanViewer, Filter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPost_UnknownOrganization(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.Post(context.Background(), "ghost", "hello", human("Dana"))
	assert.ErrorIs(t, err, ErrUnknownOrganization)
}

func TestPost_MentionFanOut(t *testing.T) {
	s, q, _ := newTestService(t)

	msg, err := s.Post(context.Background(), "acme", "ping @Beta Worker and @beta, also @alpha", ai("alpha", "Alpha"))
	require.NoError(t, err)

	assert.Equal(t, []string{"beta", "alpha"}, msg.MentionSessionIDs)
	assert.Equal(t, []string{"Beta Worker", "Alpha"}, msg.MentionNames)
	// The AI sender's self-mention is recorded but not queued.
	assert.Equal(t, []string{"beta"}, q.targets())
}

func TestUnreadAndMarkAsRead(t *testing.T) {
	s, q, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Post(ctx, "acme", "first", human("Dana"))
	require.NoError(t, err)
	_, err = s.Post(ctx, "acme", "mine", ai("alpha", "Alpha"))
	require.NoError(t, err)
	last, err := s.Post(ctx, "acme", "third", human("Dana"))
	require.NoError(t, err)

	n, err := s.UnreadCount(ctx, "acme", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "own messages are never unread")
	assert.False(t, s.IsRead("acme", "alpha", last.ID))

	require.NoError(t, s.MarkAsRead(ctx, "acme", "alpha"))
	require.NoError(t, s.MarkAsRead(ctx, "acme", "alpha"))

	n, err = s.UnreadCount(ctx, "acme", "alpha")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, s.IsRead("acme", "alpha", last.ID))
	assert.Equal(t, []string{"alpha", "alpha"}, q.pruned)

	_, err = s.Post(ctx, "acme", "fourth", human("Dana"))
	require.NoError(t, err)
	unread, err := s.Messages(ctx, "acme", "alpha", Filter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "fourth", unread[0].Content)
}

func TestMessages_Filters(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two @beta", "three", "four @beta"} {
		_, err := s.Post(ctx, "acme", content, human("Dana"))
		require.NoError(t, err)
	}

	mentions, err := s.Messages(ctx, "acme", "beta", Filter{MentionsOnly: true})
	require.NoError(t, err)
	require.Len(t, mentions, 2)
	assert.Equal(t, "two @beta", mentions[0].Content)

	latest, err := s.Messages(ctx, "acme", "beta", Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "three", latest[0].Content)
	assert.Equal(t, "four @beta", latest[1].Content)
}

func TestService_PersistsAcrossInstances(t *testing.T) {
	s, _, dir := newTestService(t)
	ctx := context.Background()

	_, err := s.Post(ctx, "acme", "durable", human("Dana"))
	require.NoError(t, err)
	require.NoError(t, s.MarkAsRead(ctx, "acme", "beta"))

	_, err = os.Stat(filepath.Join(dir, "acme.json"))
	require.NoError(t, err)

	reopened := NewService(Options{Dir: dir, Directory: newFakeDirectory()})
	msgs, err := reopened.Messages(ctx, "acme", "beta", Filter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable", msgs[0].Content)

	n, err := reopened.UnreadCount(ctx, "acme", "beta")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearch_Substring(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Post(ctx, "acme", "Please **deploy** the patch", human("Dana"))
	require.NoError(t, err)
	_, err = s.Post(ctx, "acme", "ＤＥＰＬＯＹ finished", human("Dana"))
	require.NoError(t, err)

	results, err := s.Search(ctx, "acme", "deploy", SearchSubstring, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// The full-width match sits at position 0 and scores highest.
	assert.Equal(t, "ＤＥＰＬＯＹ finished", results[0].Message.Content)

	results, err = s.Search(ctx, "acme", "xyz-not-present", SearchSubstring, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_Fuzzy(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Post(ctx, "acme", "please deploy patch now", human("Dana"))
	require.NoError(t, err)
	_, err = s.Post(ctx, "acme", "lunch order", human("Dana"))
	require.NoError(t, err)

	results, err := s.Search(ctx, "acme", "dploy patc", SearchFuzzy, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "please deploy patch now", results[0].Message.Content)
	assert.GreaterOrEqual(t, results[0].Score, DefaultFuzzyThreshold)
}

func TestSearch_Semantic(t *testing.T) {
	dir := t.TempDir()
	idx := vectorstore.NewMemory(vectorstore.HashEmbedding(256), nil)
	s := NewService(Options{Dir: dir, Directory: newFakeDirectory(), Index: idx})
	ctx := context.Background()

	billing, err := s.Post(ctx, "acme", "the billing service deploy failed overnight", human("Dana"))
	require.NoError(t, err)
	_, err = s.Post(ctx, "acme", "team lunch is on friday", human("Dana"))
	require.NoError(t, err)

	// Close drains the indexing pool.
	s.Close()

	results, err := s.Search(ctx, "acme", "billing service deploy", SearchSemantic, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, billing.ID, results[0].Message.ID)
}

func TestSearch_SemanticUnavailable(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.Search(context.Background(), "acme", "anything", SearchSemantic, 5)
	assert.ErrorIs(t, err, ErrSemanticUnavailable)
}

func TestSearch_UnknownMode(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.Search(context.Background(), "acme", "anything", SearchMode("regex"), 5)
	assert.ErrorIs(t, err, ErrUnknownSearchMode)
}

func TestPost_UsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewService(Options{Dir: t.TempDir(), Directory: newFakeDirectory(), Now: func() time.Time { return at }})

	msg, err := s.Post(context.Background(), "acme", "stamped", human("Dana"))
	require.NoError(t, err)
	assert.Equal(t, at, msg.CreatedAt)
}
