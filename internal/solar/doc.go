// Package solar is the decision core of solarwatch. It ingests scan reports
// from field devices watching rows of solar panels and decides whether a
// report is a duplicate, which zone/row alert it belongs to, and whether it
// escalates into a maintenance ticket with an assigned technician.
//
// Persistence is behind the Store port; memstore and pgstore provide the
// in-memory and PostgreSQL adapters.
package solar
