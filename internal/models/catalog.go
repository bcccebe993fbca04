package models

// CatalogUnit is one sellable inventory unit from the catalog file. When a
// catalog is loaded, requested units must exist in it and their price is
// taken from here, never from the client.
type CatalogUnit struct {
	ID        int64  `yaml:"id"`
	Kind      string `yaml:"kind"`
	Name      string `yaml:"name"`
	UnitPrice int64  `yaml:"unit_price"` // cents
}
