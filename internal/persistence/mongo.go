package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	accountsCollection    = "accounts"
	proxiesCollection     = "proxies"
	tasksCollection       = "tasks"
	checkpointsCollection = "checkpoints"
	notesCollection       = "notes"
	commentsCollection    = "comments"
)

// NewMongoDatabase connects to MongoDB, retrying the ping, and ensures indexes.
// It exits the process when the database stays unreachable.
func NewMongoDatabase(cfg *config.MongoConfig) (*mongo.Client, *mongo.Database) {
	slog.Info("connecting to mongodb...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		slog.Error("failed to establish mongodb connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping mongodb.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		pingErr := client.Ping(pingCtx, readpref.Primary())
		pingCancel()
		if pingErr == nil {
			break
		}
		slog.Error("not responding.", slog.String("err", pingErr.Error()))
		if i == maxRetry {
			slog.Error("failed to establish mongodb connection.")
			os.Exit(1)
		}
		slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
		time.Sleep(time.Duration(5*i) * time.Second)
	}
	slog.Info("connected to mongodb!")

	db := client.Database(cfg.Database)
	if err = ensureIndexes(db); err != nil {
		slog.Error("failed to create mongodb indexes.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return client, db
}

func ensureIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		accountsCollection: {
			{Keys: bson.D{{Key: "platform", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		proxiesCollection: {
			{Keys: bson.D{{Key: "proxy_url", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "success_rate", Value: -1}}},
		},
		tasksCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "platform", Value: 1}}},
		},
		checkpointsCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "checkpoint_time", Value: -1}}},
		},
		notesCollection: {
			{Keys: bson.D{{Key: "task_id", Value: 1}}},
		},
		commentsCollection: {
			{Keys: bson.D{{Key: "note_id", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
	}
	return nil
}

func CloseMongo(client *mongo.Client) {
	slog.Info("closing mongodb connection.")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		slog.Error("failed to close mongodb connection.", slog.String("err", err.Error()))
	}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", what, id, errs.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// setDocument marshals v for a $set stage without its _id.
func setDocument(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err = bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return doc, nil
}

type MongoCredentialRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoCredentialRepository(db *mongo.Database, timeout time.Duration) *MongoCredentialRepository {
	return &MongoCredentialRepository{coll: db.Collection(accountsCollection), timeout: timeout}
}

func (r *MongoCredentialRepository) Insert(ctx context.Context, c *model.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("credential %s: %w", c.ID, errs.ErrDuplicate)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *MongoCredentialRepository) Get(ctx context.Context, id string) (*model.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var c model.Credential
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err, "credential", id)
	}
	return &c, nil
}

func (r *MongoCredentialRepository) List(ctx context.Context, platform model.Platform,
	status model.CredentialStatus) ([]*model.Credential, error) {
	filter := bson.M{}
	if platform != "" {
		filter["platform"] = platform
	}
	if status != "" {
		filter["status"] = status
	}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (r *MongoCredentialRepository) ListActive(ctx context.Context, platform model.Platform) ([]*model.Credential, error) {
	filter := bson.M{"platform": platform, "status": model.CredentialActive}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
}

func (r *MongoCredentialRepository) find(ctx context.Context, filter bson.M,
	opts *options.FindOptions) ([]*model.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find credentials: %w", err)
	}
	res := make([]*model.Credential, 0)
	if err = cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return res, nil
}

func (r *MongoCredentialRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, id, bson.M{
		"$inc": bson.M{"use_count": 1},
		"$set": bson.M{"last_used_at": at, "updated_at": at},
	})
}

func (r *MongoCredentialRepository) RecordOutcome(ctx context.Context, id string, status model.CredentialStatus,
	success bool) error {
	counter := "fail_count"
	if success {
		counter = "success_count"
	}
	return r.updateOne(ctx, id, bson.M{
		"$inc": bson.M{counter: 1},
		"$set": bson.M{"status": status, "updated_at": time.Now().UTC()},
	})
}

func (r *MongoCredentialRepository) MarkChecked(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, id, bson.M{"$set": bson.M{"last_checked_at": at, "updated_at": at}})
}

func (r *MongoCredentialRepository) ReplaceCookie(ctx context.Context, id, cookie string,
	cookies map[string]string, at time.Time) error {
	return r.updateOne(ctx, id, bson.M{"$set": bson.M{
		"cookie":     cookie,
		"cookies":    cookies,
		"status":     model.CredentialActive,
		"updated_at": at,
	}})
}

func (r *MongoCredentialRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("credential %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *MongoCredentialRepository) updateOne(ctx context.Context, id string, update bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update credential %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("credential %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

type MongoProxyRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoProxyRepository(db *mongo.Database, timeout time.Duration) *MongoProxyRepository {
	return &MongoProxyRepository{coll: db.Collection(proxiesCollection), timeout: timeout}
}

func (r *MongoProxyRepository) Insert(ctx context.Context, p *model.Proxy) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("proxy %s: %w", p.ProxyURL, errs.ErrDuplicate)
		}
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

func (r *MongoProxyRepository) Get(ctx context.Context, id string) (*model.Proxy, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var p model.Proxy
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return nil, notFound(err, "proxy", id)
	}
	return &p, nil
}

func (r *MongoProxyRepository) List(ctx context.Context, status model.ProxyStatus) ([]*model.Proxy, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "success_rate", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find proxies: %w", err)
	}
	res := make([]*model.Proxy, 0)
	if err = cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode proxies: %w", err)
	}
	return res, nil
}

func (r *MongoProxyRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"use_count": 1},
		"$set": bson.M{"last_used_at": at, "updated_at": at},
	})
	if err != nil {
		return fmt.Errorf("update proxy %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// RecordOutcome applies one attempt in a single pipeline update. The document is
// returned as it was before the update and the same rule is replayed on it to
// report the new state and whether this call retired the proxy.
func (r *MongoProxyRepository) RecordOutcome(ctx context.Context, proxyURL string, success bool, minSamples int,
	belowRate float64) (*model.Proxy, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	now := time.Now().UTC()
	var p model.Proxy
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"proxy_url": proxyURL},
		proxyOutcomePipeline(success, minSamples, belowRate, now),
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&p)
	if err != nil {
		return nil, false, notFound(err, "proxy", proxyURL)
	}
	retired := p.ApplyOutcome(success, minSamples, belowRate)
	p.UpdatedAt = now
	return &p, retired, nil
}

// proxyOutcomePipeline is the server-side form of model.Proxy.ApplyOutcome.
func proxyOutcomePipeline(success bool, minSamples int, belowRate float64, at time.Time) mongo.Pipeline {
	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}
	total := bson.M{"$add": bson.A{"$success_count", "$fail_count"}}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"success_count": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$success_count", 0}}, successInc}},
			"fail_count":    bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$fail_count", 0}}, failInc}},
			"updated_at":    at,
		}}},
		{{Key: "$set", Value: bson.M{
			"success_rate": bson.M{"$multiply": bson.A{bson.M{"$divide": bson.A{"$success_count", total}}, 100}},
		}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$gt": bson.A{total, minSamples}},
					bson.M{"$lt": bson.A{"$success_rate", belowRate}},
					bson.M{"$eq": bson.A{"$status", model.ProxyActive}},
				}},
				model.ProxyInactive,
				"$status",
			}},
		}}},
	}
}

func (r *MongoProxyRepository) UpdateCheck(ctx context.Context, id string, status model.ProxyStatus,
	at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":        status,
		"last_check_at": at,
		"updated_at":    at,
	}})
	if err != nil {
		return fmt.Errorf("update proxy %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *MongoProxyRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete proxy %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

type MongoTaskRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoTaskRepository(db *mongo.Database, timeout time.Duration) *MongoTaskRepository {
	return &MongoTaskRepository{coll: db.Collection(tasksCollection), timeout: timeout}
}

func (r *MongoTaskRepository) Insert(ctx context.Context, t *model.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s: %w", t.TaskID, errs.ErrDuplicate)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *MongoTaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var t model.Task
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return nil, notFound(err, "task", id)
	}
	return &t, nil
}

func (r *MongoTaskRepository) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Platform != "" {
		query["platform"] = filter.Platform
	}
	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	skip, limit := pageBounds(filter)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("find tasks: %w", err)
	}
	res := make([]*model.Task, 0, limit)
	if err = cur.All(ctx, &res); err != nil {
		return nil, 0, fmt.Errorf("decode tasks: %w", err)
	}
	return res, total, nil
}

func (r *MongoTaskRepository) ListByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cur, err := r.coll.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	res := make([]*model.Task, 0)
	if err = cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return res, nil
}

func (r *MongoTaskRepository) Transition(ctx context.Context, id string, from []model.TaskStatus,
	to model.TaskStatus, upd TaskUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	set := bson.M{"status": to, "updated_at": time.Now().UTC()}
	if upd.StartedAt != nil {
		set["started_at"] = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		set["completed_at"] = upd.CompletedAt
	}
	if upd.Error != "" {
		set["error"] = upd.Error
	}
	if upd.Progress != nil {
		set["progress"] = upd.Progress
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s is %s: %w", id, current.Status, errs.ErrInvalidTransition)
	}
	return nil
}

func (r *MongoTaskRepository) UpdateProgress(ctx context.Context, id string, p model.Progress) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"progress": p, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update task progress %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *MongoTaskRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

type MongoCheckpointRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoCheckpointRepository(db *mongo.Database, timeout time.Duration) *MongoCheckpointRepository {
	return &MongoCheckpointRepository{coll: db.Collection(checkpointsCollection), timeout: timeout}
}

func (r *MongoCheckpointRepository) Upsert(ctx context.Context, taskID string, data model.CheckpointData,
	at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{
			"$set": bson.M{
				"checkpoint_data": data,
				"checkpoint_time": at,
				"status":          model.CheckpointActive,
			},
			"$unset": bson.M{"deleted_at": ""},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", taskID, err)
	}
	return nil
}

func (r *MongoCheckpointRepository) GetActive(ctx context.Context, taskID string) (*model.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var cp model.Checkpoint
	err := r.coll.FindOne(ctx, bson.M{"_id": taskID, "status": model.CheckpointActive}).Decode(&cp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint %s: %w", taskID, err)
	}
	return &cp, nil
}

func (r *MongoCheckpointRepository) SoftDelete(ctx context.Context, taskID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"status": model.CheckpointDeleted, "deleted_at": at}})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", taskID, err)
	}
	return nil
}

func (r *MongoCheckpointRepository) List(ctx context.Context, status model.CheckpointStatus,
	limit int) ([]*model.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "checkpoint_time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, fmt.Errorf("find checkpoints: %w", err)
	}
	res := make([]*model.Checkpoint, 0)
	if err = cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode checkpoints: %w", err)
	}
	return res, nil
}

type MongoContentRepository struct {
	notes    *mongo.Collection
	comments *mongo.Collection
	timeout  time.Duration
}

func NewMongoContentRepository(db *mongo.Database, timeout time.Duration) *MongoContentRepository {
	return &MongoContentRepository{
		notes:    db.Collection(notesCollection),
		comments: db.Collection(commentsCollection),
		timeout:  timeout,
	}
}

func (r *MongoContentRepository) UpsertNote(ctx context.Context, n *model.Note) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n.CrawledAt = time.Now().UTC()
	doc, err := setDocument(n)
	if err != nil {
		return fmt.Errorf("marshal note %s: %w", n.NoteID, err)
	}
	_, err = r.notes.UpdateOne(ctx, bson.M{"_id": n.NoteID}, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert note %s: %w", n.NoteID, err)
	}
	return nil
}

func (r *MongoContentRepository) UpsertComment(ctx context.Context, c *model.Comment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c.CrawledAt = time.Now().UTC()
	doc, err := setDocument(c)
	if err != nil {
		return fmt.Errorf("marshal comment %s: %w", c.CommentID, err)
	}
	_, err = r.comments.UpdateOne(ctx, bson.M{"_id": c.CommentID}, bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert comment %s: %w", c.CommentID, err)
	}
	return nil
}

func (r *MongoContentRepository) GetNote(ctx context.Context, noteID string) (*model.Note, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var n model.Note
	if err := r.notes.FindOne(ctx, bson.M{"_id": noteID}).Decode(&n); err != nil {
		return nil, notFound(err, "note", noteID)
	}
	return &n, nil
}

func (r *MongoContentRepository) SetNoteToken(ctx context.Context, noteID, token, source string) error {
	return r.setNoteFields(ctx, noteID, bson.M{"xsec_token": token, "xsec_source": source})
}

func (r *MongoContentRepository) SetNoteMedia(ctx context.Context, noteID string, keys []string) error {
	return r.setNoteFields(ctx, noteID, bson.M{"media_keys": keys})
}

func (r *MongoContentRepository) setNoteFields(ctx context.Context, noteID string, fields bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.notes.UpdateOne(ctx, bson.M{"_id": noteID}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update note %s: %w", noteID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
	}
	return nil
}

func (r *MongoContentRepository) CountNotes(ctx context.Context, taskID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{}
	if taskID != "" {
		filter["task_id"] = taskID
	}
	return r.notes.CountDocuments(ctx, filter)
}

func (r *MongoContentRepository) CountComments(ctx context.Context, noteID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{}
	if noteID != "" {
		filter["note_id"] = noteID
	}
	return r.comments.CountDocuments(ctx, filter)
}
