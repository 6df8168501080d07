package weather

// Site timezones must resolve on hosts without a zoneinfo database.
import _ "time/tzdata"
