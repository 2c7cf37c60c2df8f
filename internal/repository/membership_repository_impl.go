package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipRepositoryImpl implements MembershipRepository using PostgreSQL.
type MembershipRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewMembershipRepositoryImpl creates a new MembershipRepository implementation.
func NewMembershipRepositoryImpl(pool *pgxpool.Pool) MembershipRepository {
	return &MembershipRepositoryImpl{pool: pool}
}

// MemberConversations reports membership for each requested conversation id.
// Ids the user does not belong to map to false.
func (r *MembershipRepositoryImpl) MemberConversations(
	ctx context.Context, userID string, conversationIDs []string,
) (map[string]bool, error) {
	memberships := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		memberships[id] = false
	}

	if len(conversationIDs) == 0 {
		return memberships, nil
	}

	q := querierFrom(ctx, r.pool)

	rows, err := q.Query(ctx,
		`SELECT conversation_id FROM conversation_members
		 WHERE user_id = $1 AND conversation_id = ANY($2)`,
		userID, conversationIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var conversationID string
		if err := rows.Scan(&conversationID); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}

		memberships[conversationID] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memberships: %w", err)
	}

	return memberships, nil
}
