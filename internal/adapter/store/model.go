package store

import (
	"time"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
)

type accidentModel struct {
	ID              string    `gorm:"column:id;primaryKey;size:36"`
	CarID           string    `gorm:"column:car_id;not null;index"`
	Latitude        float64   `gorm:"column:latitude;not null"`
	Longitude       float64   `gorm:"column:longitude;not null"`
	ObservedAt      time.Time `gorm:"column:observed_at;not null;index"`
	NearestHospital string    `gorm:"column:nearest_hospital;not null"`
	HospitalAddress string    `gorm:"column:hospital_address;not null"`
	HospitalPhone   string    `gorm:"column:hospital_phone;not null"`
	StoredAt        time.Time `gorm:"column:stored_at;not null"`
}

func (accidentModel) TableName() string {
	return "accidents"
}

func accidentModelFromEvent(id string, event domain.AccidentEvent, storedAt time.Time) accidentModel {
	hospital := domain.HospitalUnavailable
	if event.Hospital != nil {
		hospital = *event.Hospital
	}
	return accidentModel{
		ID:              id,
		CarID:           event.CarID,
		Latitude:        event.Latitude,
		Longitude:       event.Longitude,
		ObservedAt:      event.ObservedAt.UTC(),
		NearestHospital: hospital.Name,
		HospitalAddress: hospital.Address,
		HospitalPhone:   hospital.Phone,
		StoredAt:        storedAt,
	}
}

func (row accidentModel) toEntity() domain.StoredRecord {
	return domain.StoredRecord{
		ID:       row.ID,
		StoredAt: row.StoredAt.UTC(),
		AccidentEvent: domain.AccidentEvent{
			CarID:      row.CarID,
			Latitude:   row.Latitude,
			Longitude:  row.Longitude,
			ObservedAt: row.ObservedAt.UTC(),
			Hospital: &domain.Hospital{
				Name:    row.NearestHospital,
				Address: row.HospitalAddress,
				Phone:   row.HospitalPhone,
			},
		},
	}
}
