package access

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gateguard/internal/defense"
)

const (
	queueSize    = 4096
	writeTimeout = 3 * time.Second
)

// DropFunc is called when the sink sheds a record under pressure.
type DropFunc func()

// Sink is the asynchronous audit writer. Enqueue never blocks the request
// path: when the queue is full the record is dropped and counted. Writes go
// to mongo when a database is configured and to the log otherwise.
type Sink struct {
	records   *mongo.Collection
	limitLogs *mongo.Collection
	ch        chan any
	log       zerolog.Logger
	onDrop    DropFunc
	done      chan struct{}
}

func NewSink(db *mongo.Database, log zerolog.Logger, onDrop DropFunc) *Sink {
	s := &Sink{
		ch:     make(chan any, queueSize),
		log:    log,
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	if db != nil {
		s.records = db.Collection("access_records")
		s.limitLogs = db.Collection("rate_limit_logs")
	}
	return s
}

// EnsureIndexes creates the query indices the admin endpoints rely on.
func (s *Sink) EnsureIndexes(ctx context.Context) error {
	if s.records == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "client_ip", Value: 1}}},
		{Keys: bson.D{{Key: "request_path", Value: 1}}},
		{Keys: bson.D{{Key: "rate_limited", Value: 1}}},
		{Keys: bson.D{{Key: "access_time", Value: 1}}},
		{Keys: bson.D{{Key: "trace_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.limitLogs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "client_ip", Value: 1}}},
		{Keys: bson.D{{Key: "rate_limit_type", Value: 1}}},
		{Keys: bson.D{{Key: "trigger_time", Value: 1}}},
	})
	return err
}

// Start launches the drain loop. The loop finishes outstanding writes after
// ctx is cancelled, then closes.
func (s *Sink) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case item := <-s.ch:
				s.write(item)
			case <-ctx.Done():
				for {
					select {
					case item := <-s.ch:
						s.write(item)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Sink) Wait() {
	<-s.done
}

func (s *Sink) write(item any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	switch rec := item.(type) {
	case Record:
		if s.records == nil {
			s.log.Info().Str("ip", rec.ClientIP).Str("path", rec.RequestPath).
				Int("status", rec.ResponseStatus).Bool("rate_limited", rec.RateLimited).
				Msg("access record (no document store)")
			return
		}
		if _, err := s.records.InsertOne(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("ip", rec.ClientIP).Msg("access record write failed")
		}
	case LimitLogRecord:
		if s.limitLogs == nil {
			s.log.Warn().Str("ip", rec.ClientIP).Str("type", rec.RateLimitType).
				Str("reason", rec.LimitReason).Msg("rate limit trigger (no document store)")
			return
		}
		if _, err := s.limitLogs.InsertOne(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("ip", rec.ClientIP).Msg("rate limit log write failed")
		}
	}
}

func (s *Sink) enqueue(item any) {
	select {
	case s.ch <- item:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
		s.log.Warn().Msg("audit queue full, record dropped")
	}
}

// Enqueue accepts a finished admission record. Missing fields are fine:
// partial records are better than no record.
func (s *Sink) Enqueue(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.AccessTime.IsZero() {
		rec.AccessTime = time.Now()
	}
	s.enqueue(rec)
}

// Record implements defense.LimitLogger.
func (s *Sink) Record(l defense.LimitLog) {
	s.enqueue(LimitLogRecord{
		ID:                  uuid.NewString(),
		ClientIP:            l.ClientIP,
		RequestPath:         l.Path,
		HTTPMethod:          l.Method,
		RateLimitType:       l.LimitType,
		LimitReason:         l.Reason,
		InWhiteList:         l.InWhiteList,
		UserAgent:           l.UserAgent,
		CurrentRequestCount: l.CurrentCount,
		LimitThreshold:      l.Threshold,
		WindowSizeSeconds:   l.WindowSeconds,
		ActiveIPCount:       l.ActiveIPCount,
		TriggerTime:         time.Now(),
	})
}

// ---- admin queries ----

func (s *Sink) findLimitLogs(ctx context.Context, filter bson.M, limit int64) ([]LimitLogRecord, error) {
	if s.limitLogs == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "trigger_time", Value: -1}}).SetLimit(limit)
	cur, err := s.limitLogs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []LimitLogRecord{}
	for cur.Next(ctx) {
		var rec LimitLogRecord
		if cur.Decode(&rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *Sink) LimitLogsByIP(ctx context.Context, ip string, limit int64) ([]LimitLogRecord, error) {
	return s.findLimitLogs(ctx, bson.M{"client_ip": ip}, limit)
}

func (s *Sink) LimitLogsByType(ctx context.Context, limitType string, limit int64) ([]LimitLogRecord, error) {
	return s.findLimitLogs(ctx, bson.M{"rate_limit_type": limitType}, limit)
}

func (s *Sink) DdosLogs(ctx context.Context, limit int64) ([]LimitLogRecord, error) {
	return s.findLimitLogs(ctx, bson.M{"rate_limit_type": bson.M{
		"$in": []string{defense.TypeDdosThreshold, defense.TypeDdosProtection},
	}}, limit)
}

func (s *Sink) CountLimitLogs(ctx context.Context, since time.Time) (int64, error) {
	if s.limitLogs == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	filter := bson.M{}
	if !since.IsZero() {
		filter["trigger_time"] = bson.M{"$gte": since}
	}
	return s.limitLogs.CountDocuments(ctx, filter)
}

func (s *Sink) RecordsByIP(ctx context.Context, ip string, limit int64) ([]Record, error) {
	if s.records == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "access_time", Value: -1}}).SetLimit(limit)
	cur, err := s.records.Find(ctx, bson.M{"client_ip": ip}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []Record{}
	for cur.Next(ctx) {
		var rec Record
		if cur.Decode(&rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

// ---- retention ----

// CleanupBefore deletes records whose access time precedes the cutoff.
// Returns the total number of documents deleted across both collections.
func (s *Sink) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.records == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := s.records.DeleteMany(ctx, bson.M{"access_time": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	lres, err := s.limitLogs.DeleteMany(ctx, bson.M{"trigger_time": bson.M{"$lt": cutoff}})
	if err != nil {
		return res.DeletedCount, err
	}
	return res.DeletedCount + lres.DeletedCount, nil
}

// StartRetention runs the daily 02:00 cleanup at the configured retention
// plus an hourly catch-up one day behind it, until ctx is cancelled.
func (s *Sink) StartRetention(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	go func() {
		for {
			select {
			case <-time.After(untilNextDaily(time.Now())):
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				if n, err := s.CleanupBefore(ctx, cutoff); err != nil {
					s.log.Warn().Err(err).Msg("daily retention cleanup failed")
				} else if n > 0 {
					s.log.Info().Int64("deleted", n).Msg("daily retention cleanup done")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -(retentionDays + 1))
				if _, err := s.CleanupBefore(ctx, cutoff); err != nil {
					s.log.Warn().Err(err).Msg("hourly retention sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// untilNextDaily computes the wait until the next 02:00 local time.
func untilNextDaily(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
