package aggregate

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

var csvHeader = []string{
	"channel", "total_credit", "touchpoint_count", "conversion_count",
	"cost", "attributed_revenue", "credit_share", "avg_credit_per_touchpoint",
	"cpo", "roas",
}

// WriteCSV renders the channel report as CSV, one row per channel in the
// report's (sorted) row order.
func WriteCSV(w io.Writer, report domain.ChannelReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range report.Rows {
		record := []string{
			row.Channel,
			formatFloat(row.TotalCredit),
			strconv.Itoa(row.TouchpointCount),
			strconv.Itoa(row.ConversionCount),
			formatFloat(row.Cost),
			formatFloat(row.AttributedRevenue),
			formatFloat(row.CreditShare),
			formatFloat(row.AvgCredit),
			formatFloat(row.CostPerOrder),
			formatFloat(row.ReturnOnAdCost),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}
