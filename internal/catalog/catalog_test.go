package catalog

import (
	"testing"

	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/planner"
)

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestRestoreOrderRespectsReferences(t *testing.T) {
	for _, kind := range []model.Kind{model.KindProject, model.KindProgram, model.KindDependencies} {
		order, err := planner.RestoreOrder(Specs(kind))
		if err != nil {
			t.Fatalf("%s: RestoreOrder() error: %v", kind, err)
		}
		if len(order) != len(Tables(kind)) {
			t.Fatalf("%s: order has %d tables, want %d", kind, len(order), len(Tables(kind)))
		}
		for _, tbl := range Tables(kind) {
			for _, r := range tbl.Refs {
				if r.Deferred {
					continue
				}
				targets := []string{r.Entity}
				if r.Entity == "" {
					targets = targets[:0]
					for _, tgt := range r.Types {
						targets = append(targets, tgt)
					}
				}
				for _, tgt := range targets {
					if _, ok := Lookup(kind, tgt); !ok {
						continue
					}
					if indexOf(order, tgt) > indexOf(order, tbl.Name) {
						t.Errorf("%s: %s restored before %s which it references", kind, tbl.Name, tgt)
					}
				}
			}
		}
	}
}

func TestProjectStages(t *testing.T) {
	order, err := planner.RestoreOrder(Specs(model.KindProject))
	if err != nil {
		t.Fatalf("RestoreOrder() error: %v", err)
	}
	if order[0] != "deliverables" && order[0] != "users" {
		t.Errorf("first table = %q, want an account table", order[0])
	}
	if indexOf(order, "property_definitions") > indexOf(order, Cards) {
		t.Error("property definitions must be restored before cards")
	}
	if indexOf(order, Cards) > indexOf(order, "events") {
		t.Error("cards must be restored before events")
	}
	if indexOf(order, "card_list_views") > indexOf(order, "favorites") {
		t.Error("card list views must be restored before favorites")
	}
}

func TestDependencyAttachmentsFollowDependencies(t *testing.T) {
	order, err := planner.RestoreOrder(Specs(model.KindDependencies))
	if err != nil {
		t.Fatalf("RestoreOrder() error: %v", err)
	}
	if indexOf(order, "dependency_resolving_cards") > indexOf(order, "attachments") {
		t.Errorf("order = %v, want attachments after resolving cards", order)
	}
}

func TestRefTarget(t *testing.T) {
	tbl, ok := Lookup(model.KindProject, "taggings")
	if !ok {
		t.Fatal("taggings not found")
	}
	r, ok := tbl.Ref("taggable_id")
	if !ok {
		t.Fatal("taggable_id ref not found")
	}
	if got, _ := r.Target(model.NewRow("taggable_type", "Card")); got != Cards {
		t.Errorf("Target(Card) = %q, want %q", got, Cards)
	}
	if got, _ := r.Target(model.NewRow("taggable_type", "Page")); got != "pages" {
		t.Errorf("Target(Page) = %q, want pages", got)
	}
	if _, ok := r.Target(model.NewRow("taggable_type", "Murmur")); ok {
		t.Error("Target(Murmur) resolved, want unknown")
	}
}

func TestPropertyRef(t *testing.T) {
	r, ok := PropertyRef("cp_owner", model.PropertyUser)
	if !ok || r.Entity != "users" || r.Deferred {
		t.Errorf("user property ref = %+v, %v", r, ok)
	}
	r, ok = PropertyRef("cp_parent", model.PropertyTreeRelationship)
	if !ok || r.Entity != Cards || !r.Deferred {
		t.Errorf("tree property ref = %+v, %v", r, ok)
	}
	if _, ok := PropertyRef("cp_status", model.PropertyEnumerated); ok {
		t.Error("enumerated property should carry no reference")
	}
}
