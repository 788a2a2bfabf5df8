package models

import "github.com/shopspring/decimal"

// Snapshot is the payload of both the initial and the delta endpoints.
// SyncedAt is the server clock (epoch ms) at which the rows were read.
type Snapshot struct {
	Deposits []Deposit `json:"deposits"`
	Articles []Article `json:"articles"`
	Contacts []Contact `json:"contacts"`
	Sales    []Sale    `json:"sales"`
	SyncedAt int64     `json:"syncedAt"`
}

// Rows flattens the snapshot per collection, in Collections order.
func (s *Snapshot) Rows() map[string][]Row {
	out := make(map[string][]Row, len(Collections))
	for i := range s.Contacts {
		out[CollectionContacts] = append(out[CollectionContacts], &s.Contacts[i])
	}
	for i := range s.Deposits {
		out[CollectionDeposits] = append(out[CollectionDeposits], &s.Deposits[i])
	}
	for i := range s.Articles {
		out[CollectionArticles] = append(out[CollectionArticles], &s.Articles[i])
	}
	for i := range s.Sales {
		out[CollectionSales] = append(out[CollectionSales], &s.Sales[i])
	}
	return out
}

// Len is the total number of rows in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Deposits) + len(s.Articles) + len(s.Contacts) + len(s.Sales)
}

// AdminStats is what the dashboard stream delivers after every server change.
type AdminStats struct {
	Contacts     int64           `json:"contacts"`
	Deposits     int64           `json:"deposits"`
	Articles     int64           `json:"articles"`
	ArticlesSold int64           `json:"articlesSold"`
	Sales        int64           `json:"sales"`
	Revenue      decimal.Decimal `json:"revenue"`
	GeneratedAt  int64           `json:"generatedAt"`
}
