package playground

import (
	"errors"
	"testing"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
)

type placeOrder struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
	Email   string `json:"email" validate:"required,email"`
	Total   int    `json:"total" validate:"gte=0"`
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.UseJSONNames {
		t.Error("UseJSONNames should default to true")
	}
	if len(cfg.Messages) == 0 {
		t.Error("default messages empty")
	}
}

func TestValidate(t *testing.T) {
	driver := NewDriver()

	t.Run("valid payload", func(t *testing.T) {
		err := driver.Validate(placeOrder{
			OrderID: "0188b9a5-1f3c-7cce-b3b4-4f9c27a91e01",
			Email:   "buyer@example.com",
			Total:   42,
		})
		if err != nil {
			t.Errorf("valid payload rejected: %v", err)
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		err := driver.Validate(placeOrder{
			OrderID: "0188b9a5-1f3c-7cce-b3b4-4f9c27a91e01",
			Total:   42,
		})
		var verrs contracts.ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("err = %T, want ValidationErrors", err)
		}
		if len(verrs) != 1 {
			t.Fatalf("got %d errors, want 1", len(verrs))
		}
		if verrs[0].Field != "email" || verrs[0].Tag != "required" {
			t.Errorf("failure = %s/%s", verrs[0].Field, verrs[0].Tag)
		}
		if verrs[0].Message != "email is required" {
			t.Errorf("message = %q", verrs[0].Message)
		}
	})

	t.Run("multiple failures reported", func(t *testing.T) {
		err := driver.Validate(placeOrder{OrderID: "not-a-uuid", Email: "nope", Total: -1})
		var verrs contracts.ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("err = %T", err)
		}
		if len(verrs) != 3 {
			t.Errorf("got %d errors, want 3", len(verrs))
		}
		byField := verrs.ToMap()
		for _, field := range []string{"orderId", "email", "total"} {
			if len(byField[field]) == 0 {
				t.Errorf("field %s missing from error map", field)
			}
		}
	})
}

func TestJSONFieldNames(t *testing.T) {
	t.Run("json tag wins", func(t *testing.T) {
		driver := NewDriver()
		type msg struct {
			FirstName string `json:"first_name" validate:"required"`
		}
		verrs := driver.Validate(msg{}).(contracts.ValidationErrors)
		if verrs[0].Field != "first_name" {
			t.Errorf("field = %s, want first_name", verrs[0].Field)
		}
	})

	t.Run("falls back to struct name", func(t *testing.T) {
		driver := NewDriver()
		type msg struct {
			Name string `validate:"required"`
		}
		verrs := driver.Validate(msg{}).(contracts.ValidationErrors)
		if verrs[0].Field != "Name" {
			t.Errorf("field = %s, want Name", verrs[0].Field)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		driver := NewDriverWithConfig(&Config{UseJSONNames: false})
		type msg struct {
			Name string `json:"name" validate:"required"`
		}
		verrs := driver.Validate(msg{}).(contracts.ValidationErrors)
		if verrs[0].Field != "Name" {
			t.Errorf("field = %s, want Name", verrs[0].Field)
		}
	})
}

func TestRegisterValidation(t *testing.T) {
	driver := NewDriver()
	err := driver.RegisterValidation("order_state", func(v any) bool {
		s, ok := v.(string)
		return ok && (s == "AwaitingPayment" || s == "Completed")
	})
	if err != nil {
		t.Fatal(err)
	}

	type msg struct {
		State string `json:"state" validate:"order_state"`
	}
	if err := driver.Validate(msg{State: "Completed"}); err != nil {
		t.Errorf("registered tag rejected valid value: %v", err)
	}
	if err := driver.Validate(msg{State: "Bogus"}); err == nil {
		t.Error("registered tag accepted invalid value")
	}
}

func TestRegisterTranslation(t *testing.T) {
	driver := NewDriver()
	if err := driver.RegisterTranslation("required", "missing {field}"); err != nil {
		t.Fatal(err)
	}

	type msg struct {
		Name string `json:"name" validate:"required"`
	}
	verrs := driver.Validate(msg{}).(contracts.ValidationErrors)
	if verrs[0].Message != "missing name" {
		t.Errorf("message = %q", verrs[0].Message)
	}
}

func TestUnknownTagFallbackMessage(t *testing.T) {
	driver := NewDriver()
	type msg struct {
		Name string `json:"name" validate:"alpha"`
	}
	verrs := driver.Validate(msg{Name: "abc123"}).(contracts.ValidationErrors)
	if verrs[0].Message != "name failed validation for 'alpha'" {
		t.Errorf("message = %q", verrs[0].Message)
	}
}
