package mongodb

import (
	"context"
	"errors"
	"fmt"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const profilesCollection = "profiles"

var _ ports.ProfileRepository = (*ProfileRepository)(nil)

type profileDocument struct {
	UserID      domain.UserID `bson:"_id"`
	DisplayName string        `bson:"display_name"`
	AvatarURL   string        `bson:"avatar_url"`
}

type ProfileRepository struct {
	coll *mongo.Collection
}

func NewProfileRepository(db *mongo.Database) *ProfileRepository {
	return &ProfileRepository{coll: db.Collection(profilesCollection)}
}

func (r *ProfileRepository) Get(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	var doc profileDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get profile: %v", domain.ErrStore, err)
	}
	return &domain.Profile{
		UserID:      doc.UserID,
		DisplayName: doc.DisplayName,
		AvatarURL:   doc.AvatarURL,
	}, nil
}

func (r *ProfileRepository) Save(ctx context.Context, profile *domain.Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("%w: profile without user id", domain.ErrStore)
	}
	doc := profileDocument{
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": doc.UserID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: failed to save profile: %v", domain.ErrStore, err)
	}
	return nil
}
