package importer

import "strings"

var columnAliases = map[string]string{
	"vendor":                     "vendor_id",
	"vendor_id":                  "vendor_id",
	"tier":                       "tier",
	"peptide":                    "peptide_name",
	"peptide_name":               "peptide_name",
	"product":                    "peptide_name",
	"product_name":               "peptide_name",
	"size":                       "size_mg",
	"size_mg":                    "size_mg",
	"mg":                         "size_mg",
	"price":                      "price_usd",
	"price_usd":                  "price_usd",
	"shipping":                   "shipping_usd",
	"shipping_usd":               "shipping_usd",
	"price_per_mg":               "price_per_mg",
	"vials":                      "vial_count",
	"vial_count":                 "vial_count",
	"glp":                        "glp_type",
	"glp_type":                   "glp_type",
	"dose_mg":                    "dose_mg_per_injection",
	"dose_mg_per_injection":      "dose_mg_per_injection",
	"monthly_price":              "subscription_price_monthly",
	"subscription_price":         "subscription_price_monthly",
	"subscription_price_monthly": "subscription_price_monthly",
	"medication_cost":            "medication_cost_usd",
	"medication_cost_usd":        "medication_cost_usd",
	"injections_per_month":       "injections_per_month",
	"dose_strength":              "dose_strength",
	"strength":                   "dose_strength",
	"price_per_dose":             "price_per_dose",
	"package_price":              "total_package_price",
	"total_package_price":        "total_package_price",
	"doses_per_package":          "doses_per_package",
	"url":                        "product_url",
	"product_url":                "product_url",
	"notes":                      "notes",
}

// canonicalColumn maps a header cell such as "Price (USD)" or "Vendor ID" to a field name.
// Unknown headers map to "".
func canonicalColumn(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.NewReplacer("(", " ", ")", " ", "$", " usd ", "-", " ", "/", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	return columnAliases[name]
}
