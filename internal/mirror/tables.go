package mirror

import (
	"fmt"
	"time"

	"github.com/dbsmedya/posmirror/internal/types"
)

// SyncedAtColumn is stamped by the dedicated mappers with the local sync time
// in unix milliseconds. It never exists on the remote store.
const SyncedAtColumn = "synced_at"

// DefaultRegistry returns the back-office table set in bootstrap order:
// access control first, then stores, catalog, customers, procurement, sales.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	specs := []TableSpec{
		// Auth & RBAC
		{Name: "profiles"},
		{Name: "roles"},
		{Name: "permissions"},
		{Name: "role_permissions", NaturalKey: []string{"role_id", "permission_id"}},
		{Name: "user_roles"},
		{Name: "store_users"},

		// Multi-store & payments
		{Name: "stores", KeyKind: KeyInteger, Mapper: MapStore, OwnerColumn: "owner_id"},
		{Name: "payment_types", StoreColumn: "store_id"},
		{Name: "registers", StoreColumn: "store_id"},
		{Name: "register_history"},

		// Products & inventory
		{Name: "product_categories", StoreColumn: "store_id"},
		{Name: "products", Mapper: MapProduct, OwnerColumn: "created_by", StoreColumn: "store_id"},
		{Name: "product_history"},
		{Name: "product_unit_quantities"},
		{Name: "tax_groups"},
		{Name: "taxes"},
		{Name: "unit_groups"},
		{Name: "units"},

		// Customers
		{Name: "customer_groups", StoreColumn: "store_id"},
		{Name: "customers", Mapper: MapCustomer, OwnerColumn: "created_by", StoreColumn: "store_id"},
		{Name: "customer_addresses"},
		{Name: "customer_account_history"},

		// Suppliers & procurement
		{Name: "providers", StoreColumn: "store_id"},
		{Name: "procurements", OwnerColumn: "created_by", StoreColumn: "store_id"},
		{Name: "procurement_products"},

		// Orders & sales
		{Name: "orders", Mapper: MapOrder, LocalAutoKey: true, NaturalKey: []string{"code"}, StoreColumn: "store_id"},
		{Name: "order_products"},
		{Name: "order_payments"},
		{Name: "order_addresses"},
		{Name: "order_taxes"},
		{Name: "coupons"},
		{Name: "order_coupons"},

		// Dashboard
		{Name: "dashboard_days"},
		{Name: "dashboard_months"},

		// Server-side activity
		{Name: "activity_log"},
		{Name: "sync_log"},
		{Name: "device_registrations"},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

func project(row types.Row, columns ...string) types.Row {
	out := make(types.Row, len(columns)+1)
	for _, c := range columns {
		if v, ok := row[c]; ok && v != nil {
			out[c] = v
		}
	}
	return out
}

func required(table string, row types.Row, columns ...string) error {
	for _, c := range columns {
		if !row.Has(c) {
			return fmt.Errorf("%s row missing %s", table, c)
		}
	}
	return nil
}

// MapStore keeps the columns the back office lists stores by.
func MapStore(row types.Row, now time.Time) (types.Row, error) {
	if err := required("stores", row, "id", "name"); err != nil {
		return nil, err
	}
	out := project(row, "id", "name", "description", "city", "active", "owner_id")
	out[SyncedAtColumn] = now.UnixMilli()
	return out, nil
}

// MapProduct fills store_id and status defaults.
func MapProduct(row types.Row, now time.Time) (types.Row, error) {
	if err := required("products", row, "id", "name"); err != nil {
		return nil, err
	}
	out := project(row, "id", "store_id", "name", "sku", "barcode", "category_id", "status", "created_by")
	if !out.Has("store_id") {
		out["store_id"] = ""
	}
	if !out.Has("status") {
		out["status"] = "active"
	}
	out[SyncedAtColumn] = now.UnixMilli()
	return out, nil
}

// MapCustomer keeps contact columns.
func MapCustomer(row types.Row, now time.Time) (types.Row, error) {
	if err := required("customers", row, "id"); err != nil {
		return nil, err
	}
	out := project(row, "id", "store_id", "first_name", "last_name", "email", "phone", "created_by")
	out[SyncedAtColumn] = now.UnixMilli()
	return out, nil
}

// MapOrder drops the remote id (orders are keyed locally), converts the
// total to a number, renames process_status to status and stores created_at
// as unix milliseconds. Orders arriving from the remote store are synced.
func MapOrder(row types.Row, now time.Time) (types.Row, error) {
	if err := required("orders", row, "code"); err != nil {
		return nil, err
	}
	out := project(row, "code", "store_id", "customer_id", "register_id", "payment_status")
	out["total"] = types.ToFloat64(row["total"])

	out["status"] = "pending"
	if row.Has("process_status") {
		out["status"] = row.String("process_status")
	}

	created := now.UnixMilli()
	if row.Has("created_at") {
		ms, err := unixMillis(row["created_at"])
		if err != nil {
			return nil, fmt.Errorf("orders created_at: %w", err)
		}
		created = ms
	}
	out["created_at"] = created
	out["synced"] = true
	return out, nil
}

func unixMillis(v any) (int64, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized timestamp %q", t)
	default:
		// Numeric timestamps are already milliseconds.
		if n := types.ToInt64(v); n != 0 {
			return n, nil
		}
		return 0, fmt.Errorf("unsupported timestamp %T", v)
	}
}
