package pgutil

import "testing"

func TestQueryBuilderWhereAndArgs(t *testing.T) {
	var qb QueryBuilder
	qb.Add("user_id = $?", "u1")
	qb.Add("status = $?", "active")

	where := qb.Where()
	if where != " AND user_id = $1 AND status = $2" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(qb.Args()) != 2 || qb.Args()[0] != "u1" || qb.Args()[1] != "active" {
		t.Fatalf("unexpected args: %v", qb.Args())
	}
}

func TestQueryBuilderEmptyWhere(t *testing.T) {
	var qb QueryBuilder
	if qb.Where() != "" {
		t.Fatalf("expected empty where clause, got %q", qb.Where())
	}
}

func TestAppendPagination(t *testing.T) {
	var qb QueryBuilder
	qb.Add("user_id = $?", "u1")
	query := qb.AppendPagination("SELECT * FROM sessions WHERE 1=1"+qb.Where(), 10, 20)
	if query != "SELECT * FROM sessions WHERE 1=1 AND user_id = $1 LIMIT $2 OFFSET $3" {
		t.Fatalf("unexpected paginated query: %q", query)
	}
}

func TestNullableHelpers(t *testing.T) {
	if NullString("") != nil {
		t.Fatal("expected nil for empty string")
	}
	if *NullString("x") != "x" {
		t.Fatal("expected pointer to original string")
	}
	if DerefString(nil) != "" {
		t.Fatal("expected empty string for nil pointer")
	}
	m := UnmarshalJSONB(MarshalJSONB(map[string]string{"a": "b"}))
	if m["a"] != "b" {
		t.Fatalf("round trip failed: %v", m)
	}
	if UnmarshalJSONB(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}
