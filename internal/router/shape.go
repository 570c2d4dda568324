package router

// customerInfoDisplay is the send-to-session message type whose customer
// record is flattened for the tablet.
const customerInfoDisplay = "customer-info-display"

type keyAliases struct {
	key     string
	aliases []string
}

// productKeys is the fixed key set a product is normalized onto.
var productKeys = []keyAliases{
	{"productId", []string{"productId", "product_id", "id"}},
	{"productName", []string{"productName", "product_name", "name"}},
	{"productType", []string{"productType", "product_type", "type"}},
	{"description", []string{"description", "product_features", "desc"}},
	{"targetCustomers", []string{"targetCustomers", "target_customers"}},
	{"minAmount", []string{"minAmount", "min_amount"}},
	{"maxAmount", []string{"maxAmount", "max_amount"}},
	{"baseRate", []string{"baseRate", "base_rate"}},
	{"launchDate", []string{"launchDate", "launch_date"}},
	{"salesStatus", []string{"salesStatus", "sales_status"}},
}

// customerKeys is the tablet-friendly customer record.
var customerKeys = []keyAliases{
	{"customerId", []string{"CustomerID", "customerId", "customer_id"}},
	{"name", []string{"Name", "name"}},
	{"phone", []string{"Phone", "phone", "phoneNumber", "phone_number"}},
	{"age", []string{"Age", "age"}},
	{"address", []string{"Address", "address"}},
	{"idNumber", []string{"IdNumber", "idNumber", "id_number"}},
}

func firstPresent(src map[string]any, aliases []string) (any, bool) {
	for _, k := range aliases {
		if v, ok := src[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalizeProduct maps a product record onto productKeys. The original
// record is kept under "_raw". A nil product yields an empty map.
func normalizeProduct(raw map[string]any) map[string]any {
	out := make(map[string]any, len(productKeys)+2)
	if raw == nil {
		return out
	}
	for _, k := range productKeys {
		if v, ok := firstPresent(raw, k.aliases); ok {
			out[k.key] = v
		}
	}
	out["_raw"] = raw
	return out
}

// flattenCustomerInfo extracts data.customer onto customerKeys. Keys outside
// the set are dropped; missing ones are null.
func flattenCustomerInfo(data any) (map[string]any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	customer, ok := m["customer"].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(customerKeys))
	for _, k := range customerKeys {
		v, _ := firstPresent(customer, k.aliases)
		out[k.key] = v
	}
	return out, true
}
