package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"arbor/conversation"
)

// Library keeps the in-memory store, the session files and the catalog in
// step. Everything the command layer persists goes through it.
type Library struct {
	store  *conversation.Store
	files  *SessionStorage
	index  *Index
	logger *zap.Logger
}

// NewLibrary ties the three together. index may be nil, in which case
// listing falls back to the loaded sessions and search is unavailable.
func NewLibrary(store *conversation.Store, files *SessionStorage, index *Index, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{store: store, files: files, index: index, logger: logger}
}

func (l *Library) Files() *SessionStorage { return l.files }

// Save persists the session and refreshes its catalog entry. A catalog
// failure is logged; the file is what counts.
func (l *Library) Save(ctx context.Context, sessionID string) error {
	data, err := l.store.Persist(sessionID)
	if err != nil {
		return err
	}
	if err := l.files.Save(sessionID, data); err != nil {
		return err
	}
	l.reindex(ctx, sessionID)
	return nil
}

// Load restores a session from disk into the store, replacing a loaded copy.
func (l *Library) Load(ctx context.Context, sessionID string) (conversation.SessionInfo, error) {
	data, err := l.files.Load(sessionID)
	if err != nil {
		return conversation.SessionInfo{}, err
	}
	info, err := l.store.Restore(data)
	if err != nil {
		return conversation.SessionInfo{}, err
	}
	if info.ID != sessionID {
		l.logger.Warn("session file holds another id",
			zap.String("file", sessionID),
			zap.String("session_id", info.ID))
	}
	l.reindex(ctx, info.ID)
	return info, nil
}

// LoadAll restores every stored session. Sessions that fail are skipped and
// their errors joined.
func (l *Library) LoadAll(ctx context.Context) ([]conversation.SessionInfo, error) {
	ids, err := l.files.IDs()
	if err != nil {
		return nil, err
	}
	var (
		loaded []conversation.SessionInfo
		errs   []error
	)
	for _, id := range ids {
		info, err := l.Load(ctx, id)
		if err != nil {
			l.logger.Warn("failed to load session", zap.String("session_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, info)
	}
	return loaded, errors.Join(errs...)
}

// Delete drops the session from memory, disk and catalog.
func (l *Library) Delete(ctx context.Context, sessionID string) error {
	if err := l.store.DeleteSession(sessionID); err != nil && !errors.Is(err, conversation.ErrUnknownSession) {
		return err
	}
	if err := l.files.Delete(sessionID); err != nil {
		return err
	}
	if l.index != nil {
		if err := l.index.Remove(ctx, sessionID); err != nil {
			l.logger.Warn("failed to remove session from index", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// List returns the catalog, or the loaded sessions when there is no index.
func (l *Library) List(ctx context.Context) ([]SessionEntry, error) {
	if l.index != nil {
		return l.index.Sessions(ctx)
	}
	var out []SessionEntry
	for _, s := range l.store.ListSessions() {
		out = append(out, SessionEntry{
			ID:           s.ID,
			Name:         s.Name,
			ActiveBranch: s.ActiveBranch,
			Branches:     len(s.Branches),
			Messages:     s.MessageCount,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	return out, nil
}

func (l *Library) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if l.index == nil {
		return nil, fmt.Errorf("search index unavailable")
	}
	return l.index.Search(ctx, query, limit)
}

func (l *Library) reindex(ctx context.Context, sessionID string) {
	if l.index == nil {
		return
	}
	info, err := l.store.Session(sessionID)
	if err != nil {
		return
	}
	msgs, err := l.store.Messages(sessionID)
	if err != nil {
		return
	}
	if err := l.index.Upsert(ctx, info, msgs); err != nil {
		l.logger.Warn("failed to index session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
