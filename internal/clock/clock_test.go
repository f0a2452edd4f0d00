package clock

import (
	"testing"
	"time"
)

func TestVirtualAfterFiresOnAdvance(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	ch := v.After(5 * time.Minute)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	v.Advance(4 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before fire_at reached")
	default:
	}

	v.Advance(1 * time.Minute)
	select {
	case <-ch:
	default:
		t.Fatal("expected fire after reaching fire_at")
	}
}

func TestVirtualAfterZeroFiresImmediately(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	ch := v.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("expected immediate fire for zero delay")
	}
}

func TestVirtualFiresAllDueWaiters(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	late := v.After(10 * time.Minute)
	early := v.After(2 * time.Minute)

	v.Advance(20 * time.Minute)

	var order []string
	select {
	case <-early:
		order = append(order, "early")
	default:
	}
	select {
	case <-late:
		order = append(order, "late")
	default:
	}
	if len(order) != 2 {
		t.Fatalf("expected both waiters to fire, got %v", order)
	}
}
