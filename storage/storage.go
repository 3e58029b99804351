package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"board-sync/domain"
)

// Storage persists tickets and their transition history in a single
// table partitioned by project. Keeping both entity kinds in one
// partition lets ApplyTransition submit the state update and the
// history append as a single table transaction.
type Storage struct {
	boardTable  *aztables.Client
	eventsQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	bt := svc.NewClient(boardTable)

	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{boardTable: bt, eventsQueue: eq}, nil
}

type ticketEntity struct {
	aztables.Entity
	Title    string `json:"Title"`
	Notes    string `json:"Notes"`
	State    string `json:"State"`
	Position int    `json:"Position"`
	Version  int64  `json:"Version"`
}

type historyEntity struct {
	aztables.Entity
	From   string `json:"From"`
	To     string `json:"To"`
	Actor  string `json:"Actor"`
	Reason string `json:"Reason"`
	Time   int64  `json:"Time"`
}

func ticketRowKey(ticketID string) string {
	return "ticket:" + ticketID
}

func historyRowKey(ticketID string, seq int) string {
	return fmt.Sprintf("history:%s:%06d", ticketID, seq)
}

func ticketToEntity(t domain.Ticket) ticketEntity {
	return ticketEntity{
		Entity:   aztables.Entity{PartitionKey: t.ProjectID, RowKey: ticketRowKey(t.ID)},
		Title:    t.Title,
		Notes:    t.Notes,
		State:    string(t.State),
		Position: t.Position,
		Version:  t.Version,
	}
}

func entityToTicket(projectID string, ent ticketEntity) domain.Ticket {
	return domain.Ticket{
		ID:        ent.RowKey[len("ticket:"):],
		ProjectID: projectID,
		Title:     ent.Title,
		Notes:     ent.Notes,
		State:     domain.State(ent.State),
		Position:  ent.Position,
		Version:   ent.Version,
	}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// GetTicket returns the ticket, or nil when it does not exist.
func (s *Storage) GetTicket(ctx context.Context, projectID, ticketID string) (*domain.Ticket, error) {
	resp, err := s.boardTable.GetEntity(ctx, projectID, ticketRowKey(ticketID), nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	var ent ticketEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t := entityToTicket(projectID, ent)
	return &t, nil
}

// ListTickets retrieves every ticket in the project, ordered by state
// then position.
func (s *Storage) ListTickets(ctx context.Context, projectID string) ([]domain.Ticket, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge 'ticket:' and RowKey lt 'ticket;'", projectID)
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tickets := []domain.Ticket{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent ticketEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tickets = append(tickets, entityToTicket(projectID, ent))
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].State != tickets[j].State {
			return tickets[i].State < tickets[j].State
		}
		return tickets[i].Position < tickets[j].Position
	})
	return tickets, nil
}

// TicketHistory returns the ticket's transition records in order.
func (s *Storage) TicketHistory(ctx context.Context, projectID, ticketID string) ([]domain.HistoryRecord, error) {
	prefix := "history:" + ticketID + ":"
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt '%s'", projectID, prefix, "history:"+ticketID+";")
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	records := []domain.HistoryRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent historyEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			records = append(records, domain.HistoryRecord{
				TicketID: ticketID,
				Seq:      len(records),
				From:     domain.State(ent.From),
				To:       domain.State(ent.To),
				Actor:    ent.Actor,
				Reason:   ent.Reason,
				Time:     time.Unix(0, ent.Time).UTC(),
			})
		}
	}
	return records, nil
}

// CreateTicket inserts a new ticket. It fails when the id already
// exists in the project.
func (s *Storage) CreateTicket(ctx context.Context, t domain.Ticket) error {
	payload, err := json.Marshal(ticketToEntity(t))
	if err != nil {
		return err
	}
	_, err = s.boardTable.AddEntity(ctx, payload, nil)
	return err
}

// ApplyTransition replaces the ticket's stored state and appends the
// history record in one table transaction on the project partition.
// If either write fails, neither is applied.
func (s *Storage) ApplyTransition(ctx context.Context, t domain.Ticket, rec domain.HistoryRecord) error {
	ticketPayload, err := json.Marshal(ticketToEntity(t))
	if err != nil {
		return err
	}
	histPayload, err := json.Marshal(historyEntity{
		Entity: aztables.Entity{PartitionKey: t.ProjectID, RowKey: historyRowKey(rec.TicketID, rec.Seq)},
		From:   string(rec.From),
		To:     string(rec.To),
		Actor:  rec.Actor,
		Reason: rec.Reason,
		Time:   rec.Time.UnixNano(),
	})
	if err != nil {
		return err
	}
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeInsertReplace, Entity: ticketPayload},
		{ActionType: aztables.TransactionTypeAdd, Entity: histPayload},
	}
	_, err = s.boardTable.SubmitTransaction(ctx, actions, nil)
	return err
}

// UpdatePosition merges the ticket's accepted column position and
// version into its stored entity.
func (s *Storage) UpdatePosition(ctx context.Context, projectID, ticketID string, state domain.State, pos int, version int64) error {
	updates := map[string]any{
		"PartitionKey": projectID,
		"RowKey":       ticketRowKey(ticketID),
		"State":        string(state),
		"Position":     pos,
		"Version":      version,
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.boardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return err
}

type archivedEnvelope struct {
	Channel string          `json:"channel"`
	Event   domain.Envelope `json:"event"`
}

// ArchiveEnvelope appends the envelope to the events queue feeding
// the read-model updater.
func (s *Storage) ArchiveEnvelope(ctx context.Context, channel string, env domain.Envelope) error {
	if s.eventsQueue == nil {
		return nil
	}
	data, err := json.Marshal(archivedEnvelope{Channel: channel, Event: env})
	if err != nil {
		return err
	}
	_, err = s.eventsQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
