package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	User struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		Email        string             `bson:"email"`
		PasswordHash []byte             `bson:"password_hash"`
		CreatedAt    time.Time          `bson:"created_at"`
	}

	// Credentials is the body of the signup and login calls.
	Credentials struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8,max=72"`
	}

	TokenResponse struct {
		Token string `json:"token"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)
