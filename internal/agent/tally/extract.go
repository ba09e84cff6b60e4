package tally

import (
	"encoding/xml"
	"fmt"
	"strings"

	"TallySync/internal/agent/domain"
)

func parseResponse(raw []byte) (*responseEnvelope, error) {
	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if line := strings.TrimSpace(env.Body.Data.LineError); line != "" {
		return nil, &ProtocolError{Line: line}
	}

	return &env, nil
}

// ExtractCompanies маппит узлы COMPANY во внутреннюю модель.
// Singleton-ответ и массив декодируются одинаково.
func ExtractCompanies(raw []byte) ([]domain.Company, error) {
	env, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	companies := make([]domain.Company, 0, len(env.Body.Data.Collection.Companies))
	for _, node := range env.Body.Data.Collection.Companies {
		companies = append(companies, domain.Company{
			Name:         strings.TrimSpace(node.Name),
			GUID:         strings.TrimSpace(node.GUID),
			StartingFrom: strings.TrimSpace(node.StartingFrom),
		})
	}

	return companies, nil
}

func ExtractVouchers(raw []byte) ([]domain.Voucher, error) {
	env, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	vouchers := make([]domain.Voucher, 0, len(env.Body.Data.Collection.Vouchers))
	for _, node := range env.Body.Data.Collection.Vouchers {
		vouchers = append(vouchers, domain.Voucher{
			GUID:          strings.TrimSpace(node.GUID),
			VoucherNumber: strings.TrimSpace(node.VoucherNumber),
			VoucherType:   strings.TrimSpace(node.VoucherType),
			Date:          strings.TrimSpace(node.Date),
			PartyLedger:   strings.TrimSpace(node.PartyLedger),
			Amount:        strings.TrimSpace(node.Amount),
			Narration:     strings.TrimSpace(node.Narration),
		})
	}

	return vouchers, nil
}

func ExtractStockItems(raw []byte) ([]domain.StockItem, error) {
	env, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	items := make([]domain.StockItem, 0, len(env.Body.Data.Collection.StockItems))
	for _, node := range env.Body.Data.Collection.StockItems {
		items = append(items, domain.StockItem{
			Name:           strings.TrimSpace(node.Name),
			GUID:           strings.TrimSpace(node.GUID),
			BaseUnits:      strings.TrimSpace(node.BaseUnits),
			OpeningBalance: strings.TrimSpace(node.OpeningBalance),
			OpeningValue:   strings.TrimSpace(node.OpeningValue),
		})
	}

	return items, nil
}

func ExtractLedgers(raw []byte) ([]domain.Ledger, error) {
	env, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	ledgers := make([]domain.Ledger, 0, len(env.Body.Data.Collection.Ledgers))
	for _, node := range env.Body.Data.Collection.Ledgers {
		ledgers = append(ledgers, domain.Ledger{
			Name:           strings.TrimSpace(node.Name),
			GUID:           strings.TrimSpace(node.GUID),
			Parent:         strings.TrimSpace(node.Parent),
			OpeningBalance: strings.TrimSpace(node.OpeningBalance),
		})
	}

	return ledgers, nil
}

// ParseImportResult извлекает итог импорта; ERRORS > 0 это протокольный
// отказ, его бессмысленно ретраить как сетевой сбой
func ParseImportResult(raw []byte) (*ImportResult, error) {
	env, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	result := env.Body.Data.ImportResult
	if result == nil {
		return nil, fmt.Errorf("%w: import response missing IMPORTRESULT", ErrParse)
	}

	if result.Errors > 0 {
		return nil, &ProtocolError{Line: fmt.Sprintf("import reported %d errors", result.Errors)}
	}

	return result, nil
}
