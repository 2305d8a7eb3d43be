// Package store persists order aggregates behind the ledger.Store interface.
// The gorm store is the production backend (sqlite by default, any dialector
// works); NewMemory is the in-process backend used by tests and the sim
// profile.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
)

// Order is the gorm row of one order. The auction schedule and partial fill
// secret set are stored as JSON blobs since the ledger never queries inside
// them.
type Order struct {
	gorm.Model

	OrderID            string `gorm:"uniqueIndex"`
	FromChain          string
	ToChain            string
	FromToken          string
	ToToken            string
	FromAmount         string
	MinToAmount        string
	Maker              string `gorm:"index"`
	Receiver           string
	Deadline           int64
	Nonce              uint64
	PartialFillAllowed bool
	SecretHash         string
	SecretSet          string
	Auction            string

	Status           string `gorm:"index"`
	FilledAmount     string
	FilledPercentage float64

	OrderCreatedAt time.Time
	OrderUpdatedAt time.Time
}

// Fill is the gorm row of one fill.
type Fill struct {
	gorm.Model

	FillID           string `gorm:"uniqueIndex"`
	OrderID          string `gorm:"index"`
	Resolver         string
	Amount           string
	FillPercentage   float64
	SecretHash       string
	SecretIndex      int
	Status           string
	TxRefs           string
	ManualWithdrawal bool
	RevealedSecret   string

	FillCreatedAt time.Time
	FillUpdatedAt time.Time
}

type store struct {
	db *gorm.DB
}

// New opens a gorm backed store and migrates its schema.
func New(dialector gorm.Dialector, cfg *gorm.Config) (ledger.Store, error) {
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Order{}, &Fill{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return &store{db: db}, nil
}

func (s *store) CreateOrder(order model.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}
	return s.db.Create(&row).Error
}

func (s *store) UpdateOrder(order model.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Order{}).Where("order_id = ?", order.ID).Updates(map[string]interface{}{
			"status":            row.Status,
			"filled_amount":     row.FilledAmount,
			"filled_percentage": row.FilledPercentage,
			"order_updated_at":  row.OrderUpdatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrOrderNotFound
		}
		for _, fill := range order.Fills {
			fillRow := toFillRow(fill)
			var existing Fill
			err := tx.Where("fill_id = ?", fill.ID).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&fillRow).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				fillRow.ID = existing.ID
				fillRow.CreatedAt = existing.CreatedAt
				if err := tx.Save(&fillRow).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *store) Order(id string) (model.Order, error) {
	var row Order
	if err := s.db.Where("order_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Order{}, ledger.ErrOrderNotFound
		}
		return model.Order{}, err
	}
	return s.load(row)
}

func (s *store) OrdersByMaker(maker string) ([]model.Order, error) {
	var rows []Order
	if err := s.db.Where("maker = ?", maker).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.loadAll(rows)
}

func (s *store) ActiveOrders() ([]model.Order, error) {
	var rows []Order
	statuses := []string{string(model.OrderPending), string(model.OrderPartiallyFilled)}
	if err := s.db.Where("status IN ?", statuses).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.loadAll(rows)
}

func (s *store) UnsettledOrders() ([]model.Order, error) {
	terminal := []string{string(model.FillCompleted), string(model.FillFailed)}
	var ids []string
	if err := s.db.Model(&Fill{}).Where("status NOT IN ?", terminal).Distinct().Pluck("order_id", &ids).Error; err != nil {
		return nil, err
	}
	var rows []Order
	if err := s.db.Where("order_id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.loadAll(rows)
}

func (s *store) loadAll(rows []Order) ([]model.Order, error) {
	orders := make([]model.Order, 0, len(rows))
	for _, row := range rows {
		order, err := s.load(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (s *store) load(row Order) (model.Order, error) {
	order, err := fromRow(row)
	if err != nil {
		return model.Order{}, err
	}
	var fillRows []Fill
	if err := s.db.Where("order_id = ?", order.ID).Order("id").Find(&fillRows).Error; err != nil {
		return model.Order{}, err
	}
	order.Fills = make([]model.Fill, 0, len(fillRows))
	for _, fillRow := range fillRows {
		fill, err := fromFillRow(fillRow)
		if err != nil {
			return model.Order{}, err
		}
		order.Fills = append(order.Fills, fill)
	}
	return order, nil
}

func toRow(order model.Order) (Order, error) {
	row := Order{
		OrderID:            order.ID,
		FromChain:          string(order.FromChain),
		ToChain:            string(order.ToChain),
		FromToken:          order.FromToken,
		ToToken:            order.ToToken,
		FromAmount:         order.FromAmount,
		MinToAmount:        order.MinToAmount,
		Maker:              order.Maker,
		Receiver:           order.Receiver,
		Deadline:           order.Deadline,
		Nonce:              order.Nonce,
		PartialFillAllowed: order.PartialFillAllowed,
		SecretHash:         order.SecretHash,
		Status:             string(order.Status),
		FilledAmount:       order.FilledAmount,
		FilledPercentage:   order.FilledPercentage,
		OrderCreatedAt:     order.CreatedAt,
		OrderUpdatedAt:     order.UpdatedAt,
	}
	if order.SecretSet != nil {
		data, err := json.Marshal(order.SecretSet)
		if err != nil {
			return Order{}, err
		}
		row.SecretSet = string(data)
	}
	if order.Auction != nil {
		data, err := json.Marshal(order.Auction)
		if err != nil {
			return Order{}, err
		}
		row.Auction = string(data)
	}
	return row, nil
}

func fromRow(row Order) (model.Order, error) {
	order := model.Order{
		ID:                 row.OrderID,
		FromChain:          model.Chain(row.FromChain),
		ToChain:            model.Chain(row.ToChain),
		FromToken:          row.FromToken,
		ToToken:            row.ToToken,
		FromAmount:         row.FromAmount,
		MinToAmount:        row.MinToAmount,
		Maker:              row.Maker,
		Receiver:           row.Receiver,
		Deadline:           row.Deadline,
		Nonce:              row.Nonce,
		PartialFillAllowed: row.PartialFillAllowed,
		SecretHash:         row.SecretHash,
		Status:             model.OrderStatus(row.Status),
		FilledAmount:       row.FilledAmount,
		FilledPercentage:   row.FilledPercentage,
		CreatedAt:          row.OrderCreatedAt,
		UpdatedAt:          row.OrderUpdatedAt,
	}
	if row.SecretSet != "" {
		order.SecretSet = new(model.PartialFillSecretSet)
		if err := json.Unmarshal([]byte(row.SecretSet), order.SecretSet); err != nil {
			return model.Order{}, err
		}
	}
	if row.Auction != "" {
		order.Auction = new(model.DutchAuctionConfig)
		if err := json.Unmarshal([]byte(row.Auction), order.Auction); err != nil {
			return model.Order{}, err
		}
	}
	return order, nil
}

func toFillRow(fill model.Fill) Fill {
	refs, _ := json.Marshal(fill.TxRefs)
	return Fill{
		FillID:           fill.ID,
		OrderID:          fill.OrderID,
		Resolver:         fill.Resolver,
		Amount:           fill.Amount,
		FillPercentage:   fill.FillPercentage,
		SecretHash:       fill.SecretHash,
		SecretIndex:      fill.SecretIndex,
		Status:           string(fill.Status),
		TxRefs:           string(refs),
		ManualWithdrawal: fill.ManualWithdrawal,
		RevealedSecret:   fill.RevealedSecret,
		FillCreatedAt:    fill.CreatedAt,
		FillUpdatedAt:    fill.UpdatedAt,
	}
}

func fromFillRow(row Fill) (model.Fill, error) {
	fill := model.Fill{
		ID:               row.FillID,
		OrderID:          row.OrderID,
		Resolver:         row.Resolver,
		Amount:           row.Amount,
		FillPercentage:   row.FillPercentage,
		SecretHash:       row.SecretHash,
		SecretIndex:      row.SecretIndex,
		Status:           model.FillStatus(row.Status),
		ManualWithdrawal: row.ManualWithdrawal,
		RevealedSecret:   row.RevealedSecret,
		CreatedAt:        row.FillCreatedAt,
		UpdatedAt:        row.FillUpdatedAt,
	}
	if row.TxRefs != "" {
		if err := json.Unmarshal([]byte(row.TxRefs), &fill.TxRefs); err != nil {
			return model.Fill{}, err
		}
	}
	return fill, nil
}
