package stationclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"station-relay/relay/internal/envelope"
)

// Station is an in-memory stand-in for the playout software: a fixed
// library, a play queue and the track on air.
type Station struct {
	mu         sync.Mutex
	library    []envelope.TrackSummary
	byID       map[string]envelope.TrackSummary
	queue      []envelope.QueueItem
	nowPlaying envelope.NowPlayingPayload
	now        func() time.Time
}

func NewStation(library []envelope.TrackSummary) *Station {
	s := &Station{
		library:    library,
		byID:       make(map[string]envelope.TrackSummary, len(library)),
		nowPlaying: envelope.IdleNowPlaying(),
		now:        time.Now,
	}
	for _, t := range library {
		s.byID[t.TrackID] = t
	}
	return s
}

func DemoLibrary() []envelope.TrackSummary {
	return []envelope.TrackSummary{
		{TrackID: "trk-001", Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", DurationSeconds: 562},
		{TrackID: "trk-002", Title: "Blue in Green", Artist: "Miles Davis", Album: "Kind of Blue", DurationSeconds: 337},
		{TrackID: "trk-003", Title: "Take Five", Artist: "The Dave Brubeck Quartet", Album: "Time Out", DurationSeconds: 324},
		{TrackID: "trk-004", Title: "Naima", Artist: "John Coltrane", Album: "Giant Steps", DurationSeconds: 261},
		{TrackID: "trk-005", Title: "Moanin'", Artist: "Art Blakey", Album: "Moanin'", DurationSeconds: 573},
		{TrackID: "trk-006", Title: "Song for My Father", Artist: "Horace Silver", Album: "Song for My Father", DurationSeconds: 436},
		{TrackID: "trk-007", Title: "Cantaloupe Island", Artist: "Herbie Hancock", Album: "Empyrean Isles", DurationSeconds: 330},
		{TrackID: "trk-008", Title: "Footprints", Artist: "Wayne Shorter", Album: "Adam's Apple", DurationSeconds: 443},
	}
}

// Install registers the station's request handlers on c.
func (s *Station) Install(c *Client) {
	c.Handle(envelope.TypeLibrarySearch, func(_ context.Context, c *Client, req envelope.Envelope) {
		p, ok := envelope.GetPayload[envelope.LibrarySearchPayload](req)
		if !ok {
			_ = c.ReplyError(req, "ERR_VALIDATION", "invalid search payload")
			return
		}
		_ = c.Reply(req, envelope.TypeLibrarySearchResult, s.Search(p))
	})
	c.Handle(envelope.TypeQueueAdd, func(_ context.Context, c *Client, req envelope.Envelope) {
		p, ok := envelope.GetPayload[envelope.QueueAddPayload](req)
		if !ok {
			_ = c.ReplyError(req, "ERR_VALIDATION", "invalid queue.add payload")
			return
		}
		res := s.Add(p)
		_ = c.Reply(req, envelope.TypeQueueAddResult, res)
		if res.Success {
			_ = c.UpdateQueue(s.Queue())
		}
	})
	c.Handle(envelope.TypeSongRequest, func(_ context.Context, c *Client, req envelope.Envelope) {
		p, ok := envelope.GetPayload[envelope.SongRequestPayload](req)
		if !ok {
			_ = c.ReplyError(req, "ERR_VALIDATION", "invalid request.song payload")
			return
		}
		res := s.RequestSong(p)
		_ = c.Reply(req, envelope.TypeSongRequestResult, res)
		if res.Accepted {
			_ = c.UpdateQueue(s.Queue())
		}
	})
	c.Handle(envelope.TypeQueueRemove, func(_ context.Context, c *Client, req envelope.Envelope) {
		p, _ := envelope.GetPayload[envelope.QueueRemovePayload](req)
		if s.Remove(p.Position) {
			_ = c.UpdateQueue(s.Queue())
		}
	})
	c.Handle(envelope.TypeQueueClear, func(_ context.Context, c *Client, _ envelope.Envelope) {
		s.Clear()
		_ = c.UpdateQueue(s.Queue())
	})
	c.Handle(envelope.TypeQueueSkip, func(_ context.Context, c *Client, _ envelope.Envelope) {
		np, q := s.Advance()
		_ = c.UpdateNowPlaying(np)
		_ = c.UpdateQueue(q)
	})
	c.Handle(envelope.TypeNowPlayingRequest, func(_ context.Context, c *Client, req envelope.Envelope) {
		_ = c.Reply(req, envelope.TypeNowPlayingResponse, s.NowPlaying())
	})
	c.Handle(envelope.TypeQueueRequest, func(_ context.Context, c *Client, req envelope.Envelope) {
		_ = c.Reply(req, envelope.TypeQueueResponse, s.Queue())
	})
}

// Search matches the query against title, artist and album, ignoring case.
func (s *Station) Search(p envelope.LibrarySearchPayload) envelope.LibrarySearchResultPayload {
	q := strings.ToLower(strings.TrimSpace(p.Query))
	limit := p.Limit
	if limit <= 0 {
		limit = envelope.DefaultSearchLimit
	}

	var matches []envelope.TrackSummary
	for _, t := range s.library {
		if q == "" ||
			strings.Contains(strings.ToLower(t.Title), q) ||
			strings.Contains(strings.ToLower(t.Artist), q) ||
			strings.Contains(strings.ToLower(t.Album), q) {
			matches = append(matches, t)
		}
	}
	out := envelope.LibrarySearchResultPayload{Tracks: []envelope.TrackSummary{}, Total: len(matches)}
	if p.Offset >= len(matches) {
		return out
	}
	end := p.Offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	out.Tracks = append(out.Tracks, matches[p.Offset:end]...)
	return out
}

// Add inserts a library track into the queue. A nil or out of range
// position appends.
func (s *Station) Add(p envelope.QueueAddPayload) envelope.QueueAddResultPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[p.TrackID]
	if !ok {
		return envelope.QueueAddResultPayload{Success: false, Message: "track not found"}
	}
	pos := s.insert(t, p.Position, p.RequestedBy)
	return envelope.QueueAddResultPayload{Success: true, Position: pos}
}

func (s *Station) RequestSong(p envelope.SongRequestPayload) envelope.SongRequestResultPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[p.TrackID]
	if !ok {
		return envelope.SongRequestResultPayload{Accepted: false, Message: "track not found"}
	}
	for _, item := range s.queue {
		if item.TrackID == t.TrackID {
			return envelope.SongRequestResultPayload{Accepted: false, Message: "track is already queued"}
		}
	}
	requester := p.RequesterName
	if requester == "" {
		requester = "listener"
	}
	pos := s.insert(t, nil, requester)
	return envelope.SongRequestResultPayload{Accepted: true, Position: pos, Message: "request queued"}
}

func (s *Station) insert(t envelope.TrackSummary, position *int, requestedBy string) int {
	item := envelope.QueueItem{
		TrackID:         t.TrackID,
		Title:           t.Title,
		Artist:          t.Artist,
		DurationSeconds: t.DurationSeconds,
		RequestedBy:     requestedBy,
	}
	idx := len(s.queue)
	if position != nil && *position < idx {
		idx = *position
	}
	s.queue = append(s.queue, envelope.QueueItem{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = item
	s.renumber()
	return idx
}

// Remove drops the item at position and reports whether one was there.
func (s *Station) Remove(position int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 || position >= len(s.queue) {
		return false
	}
	s.queue = append(s.queue[:position], s.queue[position+1:]...)
	s.renumber()
	return true
}

func (s *Station) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Advance puts the head of the queue on air. An empty queue leaves the
// station idle.
func (s *Station) Advance() (envelope.NowPlayingPayload, envelope.QueueStatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.nowPlaying = envelope.IdleNowPlaying()
	} else {
		head := s.queue[0]
		s.queue = s.queue[1:]
		s.renumber()
		started := s.now().UTC()
		t := s.byID[head.TrackID]
		s.nowPlaying = envelope.NowPlayingPayload{
			IsPlaying:       true,
			TrackID:         t.TrackID,
			Title:           t.Title,
			Artist:          t.Artist,
			Album:           t.Album,
			DurationSeconds: t.DurationSeconds,
			StartedAt:       &started,
		}
	}
	return s.nowPlaying, s.queueLocked()
}

func (s *Station) NowPlaying() envelope.NowPlayingPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := s.nowPlaying
	if np.IsPlaying && np.StartedAt != nil {
		np.ElapsedSeconds = s.now().Sub(*np.StartedAt).Seconds()
	}
	return np
}

func (s *Station) Queue() envelope.QueueStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLocked()
}

func (s *Station) queueLocked() envelope.QueueStatePayload {
	out := envelope.QueueStatePayload{Items: make([]envelope.QueueItem, len(s.queue))}
	copy(out.Items, s.queue)
	for _, item := range s.queue {
		out.TotalDurationSeconds += item.DurationSeconds
	}
	return out
}

func (s *Station) renumber() {
	for i := range s.queue {
		s.queue[i].Position = i
	}
}
