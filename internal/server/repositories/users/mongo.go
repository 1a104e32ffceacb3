package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const ColUsers = "users"

// MongoRepository stores one document per user. Multi-field transitions are
// single FindOneAndUpdate calls, using aggregation-pipeline updates where the
// new value depends on the old one.
type MongoRepository struct {
	col *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{col: db.Collection(ColUsers)}
}

// EnsureIndexes creates the unique and lookup indexes the repository relies on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	stringField := func(name string) bson.D {
		return bson.D{{Key: name, Value: bson.D{{Key: "$type", Value: "string"}}}}
	}

	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: "oauth_provider", Value: 1}, {Key: "oauth_identifier", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(stringField("oauth_provider")),
		},
		{
			Keys:    bson.D{{Key: "email_verification_token", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(stringField("email_verification_token")),
		},
		{
			Keys:    bson.D{{Key: "password_reset_token", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(stringField("password_reset_token")),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

func wrapMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return common.ErrorNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", common.ErrorAlreadyExists, err)
	}
	return fmt.Errorf("db error: %w", err)
}

func after() *options.FindOneAndUpdateOptionsBuilder {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

func (r *MongoRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	u := user.Clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt

	if _, err := r.col.InsertOne(ctx, u); err != nil {
		return nil, wrapMongoError(err)
	}
	user.ID, user.CreatedAt, user.UpdatedAt = u.ID, u.CreatedAt, u.UpdatedAt
	return u, nil
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.D) (*models.User, error) {
	var u models.User
	if err := r.col.FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, wrapMongoError(err)
	}
	return &u, nil
}

func (r *MongoRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (r *MongoRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "email", Value: email}})
}

func (r *MongoRepository) GetByUserName(ctx context.Context, username string) (*models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "username", Value: username}})
}

func (r *MongoRepository) GetByOAuth(ctx context.Context, provider, externalID string) (*models.User, error) {
	return r.findOne(ctx, bson.D{
		{Key: "oauth_provider", Value: provider},
		{Key: "oauth_identifier", Value: externalID},
	})
}

func (r *MongoRepository) updateOne(ctx context.Context, filter bson.D, update any) (*models.User, error) {
	var u models.User
	if err := r.col.FindOneAndUpdate(ctx, filter, update, after()).Decode(&u); err != nil {
		return nil, wrapMongoError(err)
	}
	return &u, nil
}

func activeByID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: "is_active", Value: true}}
}

// failedLoginPipeline mirrors LockoutPolicy.NextFailure as a server-side
// update. Within one $set stage every expression sees the old document.
func failedLoginPipeline(policy models.LockoutPolicy, now time.Time) bson.A {
	hasLock := bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$locked_until", nil}}}, nil}}}
	expired := bson.D{{Key: "$and", Value: bson.A{hasLock, bson.D{{Key: "$lte", Value: bson.A{"$locked_until", now}}}}}}
	unlocked := bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$locked_until", nil}}}, nil}}}

	return bson.A{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "failed_login_count", Value: bson.D{{Key: "$cond", Value: bson.A{
				expired, 1, bson.D{{Key: "$add", Value: bson.A{"$failed_login_count", 1}}},
			}}}},
			{Key: "locked_until", Value: bson.D{{Key: "$cond", Value: bson.A{expired, nil, "$locked_until"}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "locked_until", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$and", Value: bson.A{
					unlocked,
					bson.D{{Key: "$gte", Value: bson.A{"$failed_login_count", policy.Threshold}}},
				}}},
				now.Add(policy.Duration),
				"$locked_until",
			}}}},
			{Key: "updated_at", Value: now},
		}}},
	}
}

func (r *MongoRepository) RecordFailedLogin(ctx context.Context, id string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	u, err := r.updateOne(ctx, bson.D{{Key: "_id", Value: id}}, failedLoginPipeline(policy, now))
	if err != nil {
		return models.LockoutState{}, err
	}
	return models.LockoutState{FailedLoginCount: u.FailedLoginCount, LockedUntil: u.LockedUntil}, nil
}

func (r *MongoRepository) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (int64, error) {
	filter := append(activeByID(id), bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "locked_until", Value: nil}},
		bson.D{{Key: "locked_until", Value: bson.D{{Key: "$lte", Value: now}}}},
	}})
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "failed_login_count", Value: 0},
		{Key: "locked_until", Value: nil},
		{Key: "last_login", Value: now},
		{Key: "updated_at", Value: now},
	}}}

	u, err := r.updateOne(ctx, filter, update)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// still active means the lock filter rejected it
			if _, ferr := r.findOne(ctx, activeByID(id)); ferr != nil {
				return 0, ferr
			}
			return 0, common.ErrorLocked
		}
		return 0, err
	}
	return u.TokenEpoch, nil
}

func (r *MongoRepository) epochOf(ctx context.Context, filter bson.D, update bson.D) (int64, error) {
	u, err := r.updateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}

func (r *MongoRepository) TouchLastLogin(ctx context.Context, id string, now time.Time) (int64, error) {
	return r.epochOf(ctx, activeByID(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_login", Value: now},
		{Key: "updated_at", Value: now},
	}}})
}

func (r *MongoRepository) IncrementTokenEpoch(ctx context.Context, id string) (int64, error) {
	return r.epochOf(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "token_epoch", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now().UTC()}}},
	})
}

func (r *MongoRepository) UpdatePassword(ctx context.Context, id, hash string) (int64, error) {
	return r.epochOf(ctx, activeByID(id), bson.D{
		{Key: "$inc", Value: bson.D{{Key: "token_epoch", Value: 1}}},
		{Key: "$set", Value: bson.D{
			{Key: "password_hash", Value: hash},
			{Key: "updated_at", Value: time.Now().UTC()},
		}},
	})
}

func ephemeralFields(kind models.EphemeralKind) (token, expires string, err error) {
	switch kind {
	case models.KindEmailVerification:
		return "email_verification_token", "email_verification_expires", nil
	case models.KindPasswordReset:
		return "password_reset_token", "password_reset_expires", nil
	}
	return "", "", fmt.Errorf("%w: unknown token kind %q", common.ErrorValidation, kind)
}

func (r *MongoRepository) SetEphemeralToken(ctx context.Context, id string, kind models.EphemeralKind, digest string, expires time.Time) error {
	tokenField, expiresField, err := ephemeralFields(kind)
	if err != nil {
		return err
	}
	res, err := r.col.UpdateOne(ctx, activeByID(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: tokenField, Value: digest},
		{Key: expiresField, Value: expires},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}})
	if err != nil {
		return wrapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *MongoRepository) ConsumeEphemeralToken(ctx context.Context, kind models.EphemeralKind, digest string, now time.Time, effect models.ConsumeEffect) (*models.User, error) {
	tokenField, expiresField, err := ephemeralFields(kind)
	if err != nil {
		return nil, err
	}

	filter := bson.D{
		{Key: tokenField, Value: digest},
		{Key: expiresField, Value: bson.D{{Key: "$gt", Value: now}}},
		{Key: "is_active", Value: true},
	}
	set := bson.D{
		{Key: tokenField, Value: nil},
		{Key: expiresField, Value: nil},
		{Key: "updated_at", Value: now},
	}
	update := bson.D{}
	if effect.MarkEmailVerified {
		set = append(set, bson.E{Key: "is_email_verified", Value: true})
	}
	if effect.NewPasswordHash != nil {
		set = append(set,
			bson.E{Key: "password_hash", Value: *effect.NewPasswordHash},
			bson.E{Key: "failed_login_count", Value: 0},
			bson.E{Key: "locked_until", Value: nil})
		update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "token_epoch", Value: 1}}})
	}
	update = append(update, bson.E{Key: "$set", Value: set})

	u, err := r.updateOne(ctx, filter, update)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, err
	}
	return u, nil
}

func (r *MongoRepository) LinkOAuth(ctx context.Context, id, provider, externalID string) (*models.User, error) {
	return r.updateOne(ctx, activeByID(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: "oauth_provider", Value: provider},
		{Key: "oauth_identifier", Value: externalID},
		{Key: "is_email_verified", Value: true},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}})
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id, username, email string, emailChanged bool) (*models.User, error) {
	set := bson.D{
		{Key: "username", Value: username},
		{Key: "email", Value: email},
		{Key: "updated_at", Value: time.Now().UTC()},
	}
	update := bson.D{{Key: "$set", Value: set}}
	if emailChanged {
		set = append(set, bson.E{Key: "is_email_verified", Value: false})
		update = bson.D{
			{Key: "$set", Value: set},
			{Key: "$unset", Value: bson.D{
				{Key: "email_verification_token", Value: ""},
				{Key: "email_verification_expires", Value: ""},
			}},
		}
	}
	return r.updateOne(ctx, activeByID(id), update)
}

func (r *MongoRepository) Deactivate(ctx context.Context, id, tombstoneUserName, tombstoneEmail string) (int64, error) {
	return r.epochOf(ctx, activeByID(id), bson.D{
		{Key: "$inc", Value: bson.D{{Key: "token_epoch", Value: 1}}},
		{Key: "$set", Value: bson.D{
			{Key: "username", Value: tombstoneUserName},
			{Key: "email", Value: tombstoneEmail},
			{Key: "is_active", Value: false},
			{Key: "updated_at", Value: time.Now().UTC()},
		}},
		{Key: "$unset", Value: bson.D{
			{Key: "oauth_provider", Value: ""},
			{Key: "oauth_identifier", Value: ""},
			{Key: "email_verification_token", Value: ""},
			{Key: "email_verification_expires", Value: ""},
			{Key: "password_reset_token", Value: ""},
			{Key: "password_reset_expires", Value: ""},
		}},
	})
}
