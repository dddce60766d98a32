package models

type Seat struct {
	ID         int64 `json:"id"`
	BusID      int64 `json:"bus_id"`
	SeatNumber int   `json:"seat_number"`
	Deck       int   `json:"deck"`
	Row        int   `json:"row"`
	Column     int   `json:"column"`
}

type SeatPatch struct {
	SeatNumber *int
	Deck       *int
	Row        *int
	Column     *int
}
