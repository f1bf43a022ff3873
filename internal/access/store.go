package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/automagik/omni/internal/db"
)

// ErrRuleNotFound indicates no rule exists with the requested ID.
var ErrRuleNotFound = errors.New("access rule not found")

// Store persists access rules and answers admission checks.
type Store struct {
	conn *db.Conn
}

// NewStore creates a Store backed by the given database connection.
func NewStore(conn *db.Conn) *Store {
	return &Store{conn: conn}
}

// CreateRuleRequest is the input for adding a rule.
type CreateRuleRequest struct {
	InstanceName string `json:"instance_name"`
	PhoneNumber  string `json:"phone_number" validate:"required"`
	RuleType     string `json:"rule_type" validate:"required,oneof=allow block"`
}

// Create inserts a new rule.
func (s *Store) Create(ctx context.Context, req CreateRuleRequest) (Rule, error) {
	ruleType := RuleType(strings.ToLower(strings.TrimSpace(req.RuleType)))
	if ruleType != RuleAllow && ruleType != RuleBlock {
		return Rule{}, fmt.Errorf("rule type must be allow or block")
	}
	pattern := strings.TrimSpace(req.PhoneNumber)
	if pattern == "" {
		return Rule{}, fmt.Errorf("phone number is required")
	}
	now := time.Now().UTC()
	rule := Rule{
		ID:           uuid.NewString(),
		InstanceName: strings.TrimSpace(req.InstanceName),
		PhoneNumber:  pattern,
		RuleType:     ruleType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var instanceName any
	if rule.InstanceName != "" {
		instanceName = rule.InstanceName
	}
	_, err := s.conn.DB.ExecContext(ctx,
		`INSERT INTO access_rules (id, instance_name, phone_number, rule_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rule.ID, instanceName, rule.PhoneNumber, string(rule.RuleType), rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("insert access rule: %w", err)
	}
	return rule, nil
}

// Delete removes a rule by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.conn.DB.ExecContext(ctx, `DELETE FROM access_rules WHERE id = $1`, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// List returns all rules, optionally filtered to one instance's scope
// (its own rules plus global rules).
func (s *Store) List(ctx context.Context, instanceName string) ([]Rule, error) {
	instanceName = strings.TrimSpace(instanceName)
	var (
		rows *sql.Rows
		err  error
	)
	if instanceName == "" {
		rows, err = s.conn.DB.QueryContext(ctx,
			`SELECT id, instance_name, phone_number, rule_type, created_at, updated_at
			 FROM access_rules ORDER BY created_at DESC`)
	} else {
		rows, err = s.conn.DB.QueryContext(ctx,
			`SELECT id, instance_name, phone_number, rule_type, created_at, updated_at
			 FROM access_rules WHERE instance_name = $1 OR instance_name IS NULL
			 ORDER BY created_at DESC`, instanceName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Rule, 0)
	for rows.Next() {
		var (
			rule     Rule
			instance sql.NullString
			ruleType string
		)
		if err := rows.Scan(&rule.ID, &instance, &rule.PhoneNumber, &ruleType, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.InstanceName = instance.String
		rule.RuleType = RuleType(ruleType)
		items = append(items, rule)
	}
	return items, rows.Err()
}

// Check computes the admission decision for (instanceName, peer).
func (s *Store) Check(ctx context.Context, instanceName, peer string) (Decision, error) {
	rules, err := s.List(ctx, instanceName)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(rules, strings.TrimSpace(instanceName), peer), nil
}
