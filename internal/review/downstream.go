package review

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/events"
)

// PublicationNotifier announces approved articles to humans.
type PublicationNotifier interface {
	SendPublicationNotice(ctx context.Context, a *article.Article) error
}

// ActionResult records the outcome of one downstream action.
type ActionResult struct {
	Action    string `json:"action"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// Downstream action names.
const ActionPublicationNotice = "notice:publication"

var topics = map[article.Decision]string{
	article.DecisionApprove:  events.TopicPublished,
	article.DecisionReject:   events.TopicArchived,
	article.DecisionEdit:     events.TopicEditRequested,
	article.DecisionEscalate: events.TopicEscalated,
}

// DownstreamActionManager fans an applied decision out to the event
// publisher and notifiers. Every action is best effort.
type DownstreamActionManager struct {
	publisher events.Publisher
	notifier  PublicationNotifier
	logger    log.Logger
	now       func() time.Time
}

// NewDownstreamActionManager creates a DownstreamActionManager. Either
// collaborator may be nil, which skips its actions.
func NewDownstreamActionManager(publisher events.Publisher, notifier PublicationNotifier, logger log.Logger) *DownstreamActionManager {
	if logger == nil {
		logger = log.Nop()
	}
	return &DownstreamActionManager{
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Trigger runs the actions for decision d on a, which already carries its
// new state and version. It never returns an error; failures are in the
// results.
func (m *DownstreamActionManager) Trigger(ctx context.Context, a *article.Article, d article.Decision, actor, rationale string) []ActionResult {
	results := []ActionResult{}

	if topic, ok := topics[d]; ok && m.publisher != nil {
		err := m.publisher.Publish(ctx, events.New(topic, a, d, actor, rationale, m.now()))
		results = append(results, m.result(ctx, "event:"+topic, a.ID, err))
	}
	if d == article.DecisionApprove && m.notifier != nil {
		err := m.notifier.SendPublicationNotice(ctx, a)
		results = append(results, m.result(ctx, ActionPublicationNotice, a.ID, err))
	}
	return results
}

func (m *DownstreamActionManager) result(ctx context.Context, action, articleID string, err error) ActionResult {
	if err != nil {
		m.logger.Warn(ctx, "downstream action failed", "action", action, "article_id", articleID, "err", err)
		return ActionResult{Action: action, Error: err.Error()}
	}
	return ActionResult{Action: action, Succeeded: true}
}
