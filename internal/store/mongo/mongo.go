// Package mongo implements the store on MongoDB. Transfers run in
// multi-document transactions, so the server must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"wallet/internal/logging"
	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

const (
	usersCollection     = "users"
	accountsCollection  = "accounts"
	transfersCollection = "transfers"

	defaultServerSelectionTimeout = 5 * time.Second
	disconnectTimeout             = 10 * time.Second

	codeWriteConflict = 112
	maxCommitAttempts = 3
)

var (
	ErrEmptyURI          = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
)

type Config struct {
	URI      string
	Database string
	// Direct connects to the single host in URI without topology discovery.
	Direct                 bool
	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
}

type userDoc struct {
	ID           string    `bson:"_id"`
	Handle       string    `bson:"handle"`
	FirstName    string    `bson:"first_name"`
	LastName     string    `bson:"last_name"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type accountDoc struct {
	ID        string               `bson:"_id"`
	UserID    string               `bson:"user_id"`
	Balance   primitive.Decimal128 `bson:"balance"`
	Version   int64                `bson:"version"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type transferDoc struct {
	ID         string               `bson:"_id"`
	FromUserID string               `bson:"from_user_id"`
	ToUserID   string               `bson:"to_user_id"`
	Amount     primitive.Decimal128 `bson:"amount"`
	CreatedAt  time.Time            `bson:"created_at"`
}

type Store struct {
	client    *mongodriver.Client
	db        *mongodriver.Database
	users     *mongodriver.Collection
	accounts  *mongodriver.Collection
	transfers *mongodriver.Collection
	logger    *logging.Logger
}

// Open connects, verifies the connection and ensures the indexes the store
// relies on. The caller owns Close.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, ErrEmptyURI
	}
	if cfg.Database == "" {
		return nil, ErrEmptyDatabaseName
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	timeout := cfg.ServerSelectionTimeout
	if timeout <= 0 {
		timeout = defaultServerSelectionTimeout
	}
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(timeout)
	if cfg.Direct {
		clientOptions.SetDirect(true)
	}
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongodriver.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:    client,
		db:        db,
		users:     db.Collection(usersCollection),
		accounts:  db.Collection(accountsCollection),
		transfers: db.Collection(transfersCollection),
		logger:    logger.Named("mongo"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	s.logger.Info("connected to mongodb", zap.String("database", cfg.Database))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongodriver.Collection][]mongodriver.IndexModel{
		s.users: {
			{Keys: bson.D{{Key: "handle", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "last_name", Value: 1}, {Key: "first_name", Value: 1}}},
		},
		s.accounts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.transfers: {
			{Keys: bson.D{{Key: "from_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "to_user_id", Value: 1}}},
		},
	}

	var indexErrors []error
	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			s.logger.Warn("failed to create mongo indexes", zap.String("collection", coll.Name()), zap.Error(err))
			indexErrors = append(indexErrors, fmt.Errorf("create indexes on %s: %w", coll.Name(), err))
		}
	}
	return errors.Join(indexErrors...)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// runTx runs fn in a snapshot transaction. The transaction is tried exactly
// once; transient failures are reported as store.ErrConflict so the caller
// decides whether to retry.
func (s *Store) runTx(ctx context.Context, fn func(sc mongodriver.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	err = mongodriver.WithSession(ctx, session, func(sc mongodriver.SessionContext) error {
		if err := session.StartTransaction(txOpts); err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			if abortErr := session.AbortTransaction(context.WithoutCancel(sc)); abortErr != nil {
				s.logger.Debug("abort transaction failed", zap.Error(abortErr))
			}
			return err
		}
		return commit(sc, session)
	})
	return classify(err)
}

// commit retries the commit itself while its result is unknown. Re-running
// the whole transaction in that state could apply it twice.
func commit(sc mongodriver.SessionContext, session mongodriver.Session) error {
	var err error
	for i := 0; i < maxCommitAttempts; i++ {
		err = session.CommitTransaction(sc)
		var se mongodriver.ServerError
		if err == nil || !errors.As(err, &se) || !se.HasErrorLabel("UnknownTransactionCommitResult") {
			return err
		}
	}
	return err
}

// classify maps driver errors onto store errors. Errors that are not driver
// errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}

	var se mongodriver.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorCode(codeWriteConflict) {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func (s *Store) CreateUserWithAccount(ctx context.Context, u *models.User, a *models.Account) error {
	ud := toUserDoc(u)
	ad, err := toAccountDoc(a)
	if err != nil {
		return err
	}

	err = s.runTx(ctx, func(sc mongodriver.SessionContext) error {
		if _, err := s.users.InsertOne(sc, ud); err != nil {
			return err
		}
		_, err := s.accounts.InsertOne(sc, ad)
		return err
	})
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *Store) UserByHandle(ctx context.Context, handle string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"handle": handle})
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.toModel(), nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd models.ProfileUpdate) error {
	set := bson.M{
		"password_hash": upd.PasswordHash,
		"updated_at":    time.Now().UTC(),
	}
	if upd.FirstName != nil {
		set["first_name"] = *upd.FirstName
	}
	if upd.LastName != nil {
		set["last_name"] = *upd.LastName
	}

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// searchFilter matches filter as a literal, case-insensitive substring of
// either name. An empty filter matches everyone.
func searchFilter(filter string) bson.M {
	if filter == "" {
		return bson.M{}
	}
	re := primitive.Regex{Pattern: regexp.QuoteMeta(filter), Options: "i"}
	return bson.M{"$or": bson.A{
		bson.M{"first_name": re},
		bson.M{"last_name": re},
	}}
}

func (s *Store) SearchUsers(ctx context.Context, filter string) ([]models.UserSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_name", Value: 1}, {Key: "first_name", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(store.SearchLimit).
		SetProjection(bson.M{"password_hash": 0})

	cur, err := s.users.Find(ctx, searchFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	out := make([]models.UserSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.UserSummary{
			UserID:    d.ID,
			Handle:    d.Handle,
			FirstName: d.FirstName,
			LastName:  d.LastName,
		})
	}
	return out, nil
}

func (s *Store) AccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return doc.toModel()
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.runTx(ctx, func(sc mongodriver.SessionContext) error {
		return fn(sc, &mongoTx{s: s})
	})
}

type mongoTx struct {
	s *Store
}

// LockAccounts bumps each account's version inside the transaction, which
// takes the document's write lock. A concurrent transaction touching the
// same account then fails with a write conflict instead of reading a stale
// balance.
func (tx *mongoTx) LockAccounts(ctx context.Context, userIDs ...string) (map[string]*models.Account, error) {
	out := make(map[string]*models.Account, len(userIDs))
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for _, id := range store.LockOrder(userIDs...) {
		var doc accountDoc
		err := tx.s.accounts.FindOneAndUpdate(ctx,
			bson.M{"user_id": id},
			bson.M{"$inc": bson.M{"version": 1}},
			opts,
		).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}

		a, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (tx *mongoTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	d, err := toDecimal128(delta)
	if err != nil {
		return err
	}

	filter := bson.M{"user_id": userID}
	if delta.IsNegative() {
		floor, err := toDecimal128(delta.Neg())
		if err != nil {
			return err
		}
		filter["balance"] = bson.M{"$gte": floor}
	}

	res, err := tx.s.accounts.UpdateOne(ctx, filter, bson.M{
		"$inc": bson.M{"balance": d},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("adjust balance of %s: %w", userID, err)
	}
	if res.MatchedCount == 0 {
		if delta.IsNegative() {
			return fmt.Errorf("adjust balance of %s: %w", userID, store.ErrNegativeBalance)
		}
		return fmt.Errorf("adjust balance of %s: %w", userID, store.ErrNotFound)
	}
	return nil
}

func (tx *mongoTx) RecordTransfer(ctx context.Context, t *models.Transfer) error {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return err
	}

	_, err = tx.s.transfers.InsertOne(ctx, transferDoc{
		ID:         t.ID,
		FromUserID: t.FromUserID,
		ToUserID:   t.ToUserID,
		Amount:     amount,
		CreatedAt:  t.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", t.ID, err)
	}
	return nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert decimal128 %s: %w", v, err)
	}
	return d, nil
}

func toUserDoc(u *models.User) userDoc {
	return userDoc{
		ID:           u.ID,
		Handle:       u.Handle,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (d userDoc) toModel() *models.User {
	return &models.User{
		ID:           d.ID,
		Handle:       d.Handle,
		FirstName:    d.FirstName,
		LastName:     d.LastName,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func toAccountDoc(a *models.Account) (accountDoc, error) {
	balance, err := toDecimal128(a.Balance)
	if err != nil {
		return accountDoc{}, err
	}
	return accountDoc{
		ID:        a.ID,
		UserID:    a.UserID,
		Balance:   balance,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}, nil
}

func (d accountDoc) toModel() (*models.Account, error) {
	balance, err := fromDecimal128(d.Balance)
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:        d.ID,
		UserID:    d.UserID,
		Balance:   balance,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}
