package message

import (
	"context"

	"chat_sync/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	return err
}

func (r *MessageRepo) Save(ctx context.Context, m *model.Message) error {
	_, err := r.collection.InsertOne(ctx, m)
	return err
}

// Between returns the messages exchanged by a and b, oldest first.
func (r *MessageRepo) Between(ctx context.Context, a, b string) ([]model.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": a, "receiver": b},
			bson.M{"sender": b, "receiver": a},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	messages := []model.Message{}
	if err := cur.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
