package tally

import (
	"context"
	"fmt"

	"TallySync/internal/agent/domain"
)

// Adapter операции адаптера над клиентом: push/fetch по типам сущностей.
// Идентичность на стороне учетной системы это GUID узла.
type Adapter struct {
	client  *Client
	company string
}

func NewAdapter(client *Client, company string) *Adapter {
	return &Adapter{client: client, company: company}
}

func (a *Adapter) Probe(ctx context.Context) ([]string, error) {
	return a.client.ProbeConnection(ctx)
}

func (a *Adapter) scope(company string) RequestOptions {
	if company == "" {
		company = a.company
	}
	return RequestOptions{Company: company}
}

func (a *Adapter) PushVoucher(ctx context.Context, company string, voucher *domain.Voucher) (string, error) {
	msg := tallyMessage{Voucher: &voucherNode{
		GUID:          voucher.GUID,
		VoucherNumber: voucher.VoucherNumber,
		VoucherType:   voucher.VoucherType,
		Date:          voucher.Date,
		PartyLedger:   voucher.PartyLedger,
		Amount:        voucher.Amount,
		Narration:     voucher.Narration,
	}}

	result, err := a.pushMessage(ctx, company, msg)
	if err != nil {
		return "", fmt.Errorf("push voucher %s: %w", voucher.VoucherNumber, err)
	}

	externalID := result.LastVchID
	if externalID == "" {
		externalID = voucher.GUID
	}
	if externalID == "" {
		externalID = voucher.VoucherNumber
	}

	return externalID, nil
}

func (a *Adapter) PushStockItem(ctx context.Context, company string, item *domain.StockItem) (string, error) {
	msg := tallyMessage{StockItem: &stockItemNode{
		Name:           item.Name,
		GUID:           item.GUID,
		BaseUnits:      item.BaseUnits,
		OpeningBalance: item.OpeningBalance,
		OpeningValue:   item.OpeningValue,
	}}

	if _, err := a.pushMessage(ctx, company, msg); err != nil {
		return "", fmt.Errorf("push stock item %s: %w", item.Name, err)
	}

	if item.GUID != "" {
		return item.GUID, nil
	}
	return item.Name, nil
}

func (a *Adapter) PushLedger(ctx context.Context, company string, ledger *domain.Ledger) (string, error) {
	msg := tallyMessage{Ledger: &ledgerNode{
		Name:           ledger.Name,
		GUID:           ledger.GUID,
		Parent:         ledger.Parent,
		OpeningBalance: ledger.OpeningBalance,
	}}

	if _, err := a.pushMessage(ctx, company, msg); err != nil {
		return "", fmt.Errorf("push ledger %s: %w", ledger.Name, err)
	}

	if ledger.GUID != "" {
		return ledger.GUID, nil
	}
	return ledger.Name, nil
}

func (a *Adapter) pushMessage(ctx context.Context, company string, msg tallyMessage) (*ImportResult, error) {
	request, err := buildImportEnvelope("All Masters", a.scope(company), msg)
	if err != nil {
		return nil, err
	}

	response, err := a.client.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	return ParseImportResult(response)
}

// FetchVoucher выгружает регистр и ищет сущность по GUID либо номеру
func (a *Adapter) FetchVoucher(ctx context.Context, company, externalID string) (*domain.Voucher, error) {
	request, err := BuildRequest(RequestExport, CollectionVouchers, a.scope(company))
	if err != nil {
		return nil, err
	}

	response, err := a.client.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	vouchers, err := ExtractVouchers(response)
	if err != nil {
		return nil, err
	}

	for i := range vouchers {
		if vouchers[i].GUID == externalID || vouchers[i].VoucherNumber == externalID {
			return &vouchers[i], nil
		}
	}

	return nil, fmt.Errorf("voucher %s: %w", externalID, ErrNotFound)
}

func (a *Adapter) FetchStockItem(ctx context.Context, company, externalID string) (*domain.StockItem, error) {
	request, err := BuildRequest(RequestExport, CollectionStockItems, a.scope(company))
	if err != nil {
		return nil, err
	}

	response, err := a.client.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	items, err := ExtractStockItems(response)
	if err != nil {
		return nil, err
	}

	for i := range items {
		if items[i].GUID == externalID || items[i].Name == externalID {
			return &items[i], nil
		}
	}

	return nil, fmt.Errorf("stock item %s: %w", externalID, ErrNotFound)
}

func (a *Adapter) FetchLedger(ctx context.Context, company, externalID string) (*domain.Ledger, error) {
	request, err := BuildRequest(RequestExport, CollectionLedgers, a.scope(company))
	if err != nil {
		return nil, err
	}

	response, err := a.client.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	ledgers, err := ExtractLedgers(response)
	if err != nil {
		return nil, err
	}

	for i := range ledgers {
		if ledgers[i].GUID == externalID || ledgers[i].Name == externalID {
			return &ledgers[i], nil
		}
	}

	return nil, fmt.Errorf("ledger %s: %w", externalID, ErrNotFound)
}
