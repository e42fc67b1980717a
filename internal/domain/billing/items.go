package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/ledger"
)

func validateNewItem(in NewItem, actor string) error {
	switch {
	case actor == "":
		return invalid("actor", "is required")
	case in.EncounterID == uuid.Nil:
		return invalid("encounter_id", "is required")
	case in.PatientID == uuid.Nil:
		return invalid("patient_id", "is required")
	case !validItemTypes[in.ItemType]:
		return invalid("item_type", "unknown item type %q", in.ItemType)
	case strings.TrimSpace(in.Description) == "":
		return invalid("description", "is required")
	case !in.Quantity.IsPositive():
		return invalid("quantity", "must be greater than zero")
	case !in.UnitPrice.IsPositive():
		return invalid("unit_price", "must be greater than zero")
	case in.Discount.IsNegative():
		return invalid("discount", "must not be negative")
	}
	if in.Source != nil {
		if !validSourceKinds[in.Source.Kind] {
			return invalid("source.kind", "unknown source kind %q", in.Source.Kind)
		}
		if strings.TrimSpace(in.Source.ID) == "" {
			return invalid("source.id", "is required")
		}
	}
	return nil
}

// AddItem appends a charge to the encounter's account, creating the account
// on the first charge, and recomputes the account in the same transaction.
func (s *Service) AddItem(ctx context.Context, in NewItem, actor string) (*BillItem, error) {
	if err := validateNewItem(in, actor); err != nil {
		return nil, err
	}

	var item *BillItem
	lock := func(ctx context.Context) (*Account, error) {
		now := s.now()
		seed := &Account{
			ID:          uuid.New(),
			PatientID:   in.PatientID,
			EncounterID: in.EncounterID,
			BranchID:    in.BranchID,
			Status:      AccountOpen,
			CreatedBy:   actor,
		}
		seed.AccountNumber = documentNumber("ACC", now, seed.ID)
		return s.accounts.LockOrCreateByEncounter(ctx, seed)
	}
	_, err := s.mutate(ctx, "add_item", EventItemAdded, actor, lock, func(ctx context.Context, w *work) error {
		if w.acct.PatientID != in.PatientID {
			return invalid("patient_id", "encounter %s is billed to a different patient", in.EncounterID)
		}
		if w.acct.IsClosed() {
			return invalidState("billing account %s is closed", w.acct.AccountNumber)
		}
		it := &BillItem{
			ID:             uuid.New(),
			AccountID:      w.acct.ID,
			EncounterID:    in.EncounterID,
			ItemType:       in.ItemType,
			Description:    strings.TrimSpace(in.Description),
			Quantity:       in.Quantity,
			UnitPrice:      money(in.UnitPrice),
			DiscountAmount: money(in.Discount),
			Status:         ItemUnpaid,
			Source:         in.Source,
			CreatedBy:      actor,
		}
		it.price()
		if it.DiscountAmount.GreaterThan(it.Amount) {
			return invalid("discount", "must not exceed the line amount %s", it.Amount.StringFixed(2))
		}
		if err := s.items.Create(ctx, it); err != nil {
			return err
		}
		item = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// lockItem resolves an item's account, locks it and re-reads the item under
// the lock so the caller sees its committed state.
func (s *Service) lockItem(itemID uuid.UUID, item **BillItem) lockFunc {
	return func(ctx context.Context) (*Account, error) {
		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return nil, err
		}
		acct, err := s.accounts.LockByID(ctx, it.AccountID)
		if err != nil {
			return nil, err
		}
		if *item, err = s.items.GetByID(ctx, itemID); err != nil {
			return nil, err
		}
		return acct, nil
	}
}

// CancelItem removes an item's contribution to the account. A posted item
// also has its revenue reversed in the ledger.
func (s *Service) CancelItem(ctx context.Context, itemID uuid.UUID, reason, actor string) (*BillItem, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	var item *BillItem
	_, err := s.mutate(ctx, "cancel_item", EventItemCancelled, actor, s.lockItem(itemID, &item), func(ctx context.Context, w *work) error {
		if item.Status == ItemCancelled {
			return invalidState("bill item %s is already cancelled", item.ID)
		}
		if w.acct.IsClosed() {
			return invalidState("billing account %s is closed", w.acct.AccountNumber)
		}
		wasPosted := item.Status == ItemPosted
		now := s.now()
		item.Status = ItemCancelled
		item.CancelledAt = timePtr(now)
		item.CancelledBy = strPtr(actor)
		if r := strings.TrimSpace(reason); r != "" {
			item.CancelReason = strPtr(r)
		}
		if err := s.items.Update(ctx, item); err != nil {
			return err
		}
		if wasPosted && item.NetAmount.IsPositive() {
			return w.post(ctx, ledger.Event{
				Type:      ledger.EventItemReversed,
				Amount:    item.NetAmount,
				SourceID:  item.ID,
				Narration: fmt.Sprintf("Reversal of %s: %s", item.ItemType, item.Description),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PostItem recognises an unpaid item as revenue.
func (s *Service) PostItem(ctx context.Context, itemID uuid.UUID, actor string) (*BillItem, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	var item *BillItem
	_, err := s.mutate(ctx, "post_item", EventItemPosted, actor, s.lockItem(itemID, &item), func(ctx context.Context, w *work) error {
		if item.Status != ItemUnpaid {
			return invalidState("bill item %s is %s, only unpaid items can be posted", item.ID, item.Status)
		}
		return s.postItem(ctx, w, item, s.now())
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) postItem(ctx context.Context, w *work, item *BillItem, at time.Time) error {
	item.Status = ItemPosted
	item.PostedAt = timePtr(at)
	if err := s.items.Update(ctx, item); err != nil {
		return err
	}
	if !item.NetAmount.IsPositive() {
		return nil
	}
	return w.post(ctx, ledger.Event{
		Type:      ledger.EventItemPosted,
		Amount:    item.NetAmount,
		SourceID:  item.ID,
		Narration: fmt.Sprintf("%s: %s", item.ItemType, item.Description),
	})
}

// UpdateItemQuantity re-prices an unpaid item.
func (s *Service) UpdateItemQuantity(ctx context.Context, itemID uuid.UUID, quantity decimal.Decimal, actor string) (*BillItem, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	if !quantity.IsPositive() {
		return nil, invalid("quantity", "must be greater than zero")
	}
	var item *BillItem
	_, err := s.mutate(ctx, "update_item_quantity", EventItemUpdated, actor, s.lockItem(itemID, &item), func(ctx context.Context, w *work) error {
		if w.acct.IsClosed() {
			return invalidState("billing account %s is closed", w.acct.AccountNumber)
		}
		if item.Status != ItemUnpaid {
			return invalidState("bill item %s is %s, only unpaid items can be changed", item.ID, item.Status)
		}
		item.Quantity = quantity
		item.price()
		if item.DiscountAmount.GreaterThan(item.Amount) {
			return invalid("quantity", "line discount %s would exceed the new amount %s",
				item.DiscountAmount.StringFixed(2), item.Amount.StringFixed(2))
		}
		return s.items.Update(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
