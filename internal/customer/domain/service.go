package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type CreateCustomerRequest struct {
	Name     string
	Email    string
	Currency string
	Metadata map[string]any
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (*Customer, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Customer, error)
}
