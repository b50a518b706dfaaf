package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var ErrNoOrderColumn = errors.New("sheet has no order id column")

var (
	orderIDHeaders = []string{"주문번호", "orderId", "oid"}
	nameHeaders    = []string{"구매자명", "buyerName", "rcvname"}
	dateHeaders    = []string{"결제일시", "등록일시", "paymentDate"}
)

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

type ImportOptions struct {
	Location *time.Location
	// FallbackDate is used for rows without a readable payment date. Zero rejects such rows.
	FallbackDate time.Time
}

// RowError is a sheet row that could not become an Order.
type RowError struct {
	Row     int    `json:"row"`
	OrderID string `json:"oid,omitempty"`
	Reason  string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d (%s): %s", e.Row, e.OrderID, e.Reason)
}

// ImportOrdersXLSX reads the merchant console export (first sheet, header on the first row).
// Rows whose order id does not start with "order_" are not course purchases and are skipped.
func ImportOrdersXLSX(r io.Reader, opts ImportOptions) ([]Order, []RowError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, errors.New("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	header := rows[0]
	oidCol := findColumn(header, orderIDHeaders)
	if oidCol < 0 {
		return nil, nil, ErrNoOrderColumn
	}
	nameCol := findColumn(header, nameHeaders)
	dateCol := findColumn(header, dateHeaders)

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	var orders []Order
	var rejected []RowError
	for i, row := range rows[1:] {
		rowNum := i + 2
		oid := strings.TrimSpace(cell(row, oidCol))
		if !strings.HasPrefix(oid, OrderIDPrefix) {
			continue
		}
		when, ok := ParseSheetDate(cell(row, dateCol), loc)
		if !ok {
			if opts.FallbackDate.IsZero() {
				rejected = append(rejected, RowError{Row: rowNum, OrderID: oid, Reason: "no readable payment date"})
				continue
			}
			when = opts.FallbackDate.In(loc)
		}
		orders = append(orders, Order{
			OrderID:      oid,
			ReceiverName: CleanName(cell(row, nameCol)),
			ReceiveDate:  when.Format(ReceiveDateLayout),
		})
	}
	return orders, rejected, nil
}

// ImportOrdersJSON reads a list of {oid, rcvname, rcvdate} objects, the format the batch
// tool writes for re-runs.
func ImportOrdersJSON(r io.Reader) ([]Order, error) {
	var orders []Order
	if err := json.NewDecoder(r).Decode(&orders); err != nil {
		return nil, fmt.Errorf("parse order list: %w", err)
	}
	out := orders[:0]
	for _, o := range orders {
		o.OrderID = strings.TrimSpace(o.OrderID)
		if !strings.HasPrefix(o.OrderID, OrderIDPrefix) {
			continue
		}
		o.ReceiverName = CleanName(o.ReceiverName)
		out = append(out, o)
	}
	return out, nil
}

// CleanName drops the console's masking asterisks ("홍*동" -> "홍동").
func CleanName(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "*", ""))
	if s == "" {
		return DefaultReceiverName
	}
	return s
}

// ParseSheetDate accepts either a spreadsheet serial number or one of the console's text
// layouts. Serial values carry no zone; the wall clock is read in loc.
func ParseSheetDate(v string, loc *time.Location) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		if serial <= 0 {
			return time.Time{}, false
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}
