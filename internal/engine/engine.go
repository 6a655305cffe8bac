// Package engine is the claim/trust state machine. Every exported operation
// runs inside a single database transaction: domain mutation, ledger append,
// score derivation and promotion all commit together or not at all.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustline/internal/config"
	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/repo"
	"trustline/internal/trust"
	"trustline/internal/validate"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Trust  trust.Deriver
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Trust:  trust.Deriver{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// writer returns the ledger writer on the engine's clock, so event timestamps
// and row timestamps come from the same source.
func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.Now
	return w
}

// Settings is the configuration snapshot one operation runs against. Resolved
// once per operation so the operation is deterministic given its inputs.
type Settings struct {
	Thresholds        map[domain.Role]int
	ClaimTimeoutDays  int
	ReviewerMinScore  int
	ReviewerMaxActive int
	MinFeedbackLen    int
	MaxRevisions      int
	MinProofLen       int
}

func (e Engine) loadSettings(ctx context.Context, q repo.Querier) (Settings, error) {
	st := Settings{}
	var err error
	// Promotion thresholds document a fallback to compiled defaults; every
	// other key is a hard error when missing.
	st.Thresholds, err = e.loadThresholds(ctx, q)
	if err != nil {
		return st, err
	}
	for _, entry := range []struct {
		key  string
		dest *int
	}{
		{config.KeyClaimTimeoutDays, &st.ClaimTimeoutDays},
		{config.KeyReviewerMinScore, &st.ReviewerMinScore},
		{config.KeyReviewerMaxActive, &st.ReviewerMaxActive},
		{config.KeyMinFeedbackLength, &st.MinFeedbackLen},
		{config.KeyMaxRevisions, &st.MaxRevisions},
		{config.KeyMinProofLength, &st.MinProofLen},
	} {
		if *entry.dest, err = e.settingNumber(ctx, q, entry.key); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (e Engine) loadThresholds(ctx context.Context, q repo.Querier) (map[domain.Role]int, error) {
	s, err := e.Repo.GetSetting(ctx, q, config.KeyPromotionThresholds)
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config != nil {
			return e.Config.Promotion.Thresholds, nil
		}
		return config.Default().Promotion.Thresholds, nil
	}
	if err != nil {
		return nil, err
	}
	var thresholds map[domain.Role]int
	if err := json.Unmarshal([]byte(s.Value), &thresholds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", config.KeyPromotionThresholds, err)
	}
	return thresholds, nil
}

func (e Engine) settingNumber(ctx context.Context, q repo.Querier, key string) (int, error) {
	s, err := e.Repo.GetSetting(ctx, q, key)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, errf(KindConfigKeyNotFound, "setting %s is not configured", key)
	}
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal([]byte(s.Value), &n); err != nil {
		return 0, fmt.Errorf("setting %s is not a number: %w", key, err)
	}
	return n, nil
}

// SeedSettings writes the config seed into the settings store for any key not
// yet present, logging each as a config.updated event.
func (e Engine) SeedSettings(ctx context.Context, actorID string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if err := e.Config.Validate(); err != nil {
		return err
	}
	thresholds, err := json.Marshal(e.Config.Promotion.Thresholds)
	if err != nil {
		return err
	}
	seed := []domain.Setting{
		{Key: config.KeyPromotionThresholds, Value: string(thresholds), Description: "Trust score required for each role"},
		{Key: config.KeyClaimTimeoutDays, Value: fmt.Sprint(e.Config.Review.ClaimTimeoutDays), Description: "Days under review before a claim is orphaned"},
		{Key: config.KeyReviewerMinScore, Value: fmt.Sprint(e.Config.Review.MinReviewerScore), Description: "Minimum trust score to review claims"},
		{Key: config.KeyReviewerMaxActive, Value: fmt.Sprint(e.Config.Review.MaxActiveReviews), Description: "Concurrent under-review claims per reviewer"},
		{Key: config.KeyMinFeedbackLength, Value: fmt.Sprint(e.Config.Review.MinFeedbackLength), Description: "Minimum characters of review feedback"},
		{Key: config.KeyMaxRevisions, Value: fmt.Sprint(e.Config.Review.MaxRevisions), Description: "Revision requests allowed per claim"},
		{Key: config.KeyMinProofLength, Value: fmt.Sprint(e.Config.Proof.MinTextLength), Description: "Minimum characters of text proof"},
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	for _, s := range seed {
		if _, err := e.Repo.GetSetting(ctx, tx, s.Key); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s.UpdatedAt = now
		if err := e.Repo.UpsertSetting(ctx, tx, s); err != nil {
			return err
		}
		if err := e.writer().Append(ctx, tx, events.Entry{
			Type: events.TypeConfigUpdated, EntityKind: "setting", EntityID: s.Key, ActorID: actorID,
			Payload: events.ConfigUpdated{Key: s.Key, OldValue: nil, NewValue: json.RawMessage(s.Value)},
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSetting returns one setting; a missing key is a hard error.
func (e Engine) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	s, err := e.Repo.GetSetting(ctx, e.DB, key)
	if errors.Is(err, repo.ErrNotFound) {
		return s, errf(KindConfigKeyNotFound, "setting %s is not configured", key)
	}
	return s, err
}

// GetSettingNumber returns a numeric setting value.
func (e Engine) GetSettingNumber(ctx context.Context, key string) (int, error) {
	return e.settingNumber(ctx, e.DB, key)
}

func (e Engine) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	return e.Repo.ListSettings(ctx)
}

// SetSetting writes a setting and appends a config.updated event carrying the
// old and new value in the same transaction.
func (e Engine) SetSetting(ctx context.Context, actorID, key string, value json.RawMessage, description string) (domain.Setting, error) {
	if !json.Valid(value) {
		return domain.Setting{}, errf(KindInvalidInput, "setting value must be valid JSON")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Setting{}, err
	}
	defer tx.Rollback()

	var oldValue json.RawMessage
	if old, err := e.Repo.GetSetting(ctx, tx, key); err == nil {
		oldValue = json.RawMessage(old.Value)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Setting{}, err
	}
	s := domain.Setting{Key: key, Value: string(value), Description: description, UpdatedAt: e.nowStr()}
	if err := e.Repo.UpsertSetting(ctx, tx, s); err != nil {
		return domain.Setting{}, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeConfigUpdated, EntityKind: "setting", EntityID: key, ActorID: actorID,
		Payload: events.ConfigUpdated{Key: key, OldValue: oldValue, NewValue: value},
	}); err != nil {
		return domain.Setting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Setting{}, err
	}
	return s, nil
}

// RegisterMember creates a member at the explorer rank with zero score.
// Members are never deleted.
func (e Engine) RegisterMember(ctx context.Context, id, displayName, actorID string) (domain.Member, error) {
	if err := validate.ID("member id", id); err != nil {
		return domain.Member{}, errf(KindInvalidInput, "%s", err)
	}
	if _, err := e.Repo.GetMember(ctx, e.DB, id); err == nil {
		return domain.Member{}, errf(KindMemberExists, "member %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Member{}, err
	}
	now := e.nowStr()
	m := domain.Member{
		ID:          id,
		DisplayName: displayName,
		Role:        domain.RoleExplorer,
		TrustScore:  0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, fmt.Errorf("insert member: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeMemberRegistered, EntityKind: "member", EntityID: m.ID, ActorID: actorID,
		Payload: events.MemberRegistered{Role: m.Role, DisplayName: displayName},
	}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

func (e Engine) GetMember(ctx context.Context, id string) (domain.Member, error) {
	m, err := e.Repo.GetMember(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return m, errf(KindMemberNotFound, "member %s not found", id)
	}
	return m, err
}

// TrustScore returns the derived score, not the cache; dashboards should
// prefer this value.
func (e Engine) TrustScore(ctx context.Context, memberID string) (int, error) {
	if _, err := e.GetMember(ctx, memberID); err != nil {
		return 0, err
	}
	return e.Trust.CalculateTrustScore(ctx, e.DB, memberID)
}

func (e Engine) IncentiveBreakdown(ctx context.Context, memberID string) (map[domain.Dimension]int, error) {
	if _, err := e.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return e.Trust.IncentiveBreakdown(ctx, e.DB, memberID)
}

func (e Engine) DetectCacheDrift(ctx context.Context, memberID string) (trust.DriftReport, error) {
	report, err := e.Trust.DetectCacheDrift(ctx, e.DB, memberID)
	if errors.Is(err, repo.ErrNotFound) {
		return report, errf(KindMemberNotFound, "member %s not found", memberID)
	}
	return report, err
}

// RecalculateScore is the sanctioned cache repair path: recompute from the
// ledger, assign, and log the correction.
func (e Engine) RecalculateScore(ctx context.Context, memberID, actorID string) (trust.DriftReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return trust.DriftReport{}, err
	}
	defer tx.Rollback()

	member, err := e.Repo.GetMember(ctx, tx, memberID)
	if errors.Is(err, repo.ErrNotFound) {
		return trust.DriftReport{}, errf(KindMemberNotFound, "member %s not found", memberID)
	}
	if err != nil {
		return trust.DriftReport{}, err
	}
	calculated, err := e.Trust.CalculateTrustScore(ctx, tx, memberID)
	if err != nil {
		return trust.DriftReport{}, err
	}
	report := trust.DriftReport{
		MemberID:   memberID,
		Cached:     member.TrustScore,
		Calculated: calculated,
		Drift:      member.TrustScore - calculated,
	}
	if report.Drift == 0 {
		return report, nil
	}
	if err := e.Repo.UpdateMemberScore(ctx, tx, memberID, calculated, e.nowStr()); err != nil {
		return report, err
	}
	if err := e.writer().Append(ctx, tx, events.Entry{
		Type: events.TypeMemberRecalculated, EntityKind: "member", EntityID: memberID, ActorID: actorID,
		Payload: events.MemberRecalculated{MemberID: memberID, OldScore: member.TrustScore, NewScore: calculated, Drift: report.Drift},
	}); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

func newID() string {
	return uuid.New().String()
}
